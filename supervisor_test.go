package chat

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSupervisorFirstConnect(t *testing.T) {
	session := NewSession()
	session.CurrentChannelId = "general"
	supervisor := NewSupervisorWithDefaults(session)

	plan := supervisor.Transition(ConnectionStateConnecting, time.Unix(100, 0))
	assert.Equal(t, nil, plan)
	assert.Equal(t, ConnectionStateConnecting, session.ConnectionState)

	plan = supervisor.Transition(ConnectionStateConnected, time.Unix(101, 0))
	assert.NotEqual(t, nil, plan)
	assert.Equal(t, true, plan.FirstConnect)
	assert.Equal(t, true, plan.RequestCurrentUser)
	// the very first connect has nothing to re-join or expire
	assert.Equal(t, "", plan.RejoinChannelId)
	assert.Equal(t, true, plan.ExpireBefore.IsZero())
}

func TestSupervisorReconnectPlan(t *testing.T) {
	session := NewSession()
	session.CurrentChannelId = "general"
	supervisor := NewSupervisorWithDefaults(session)

	supervisor.Transition(ConnectionStateConnecting, time.Unix(100, 0))
	supervisor.Transition(ConnectionStateConnected, time.Unix(101, 0))

	disconnectAt := time.Unix(200, 0)
	plan := supervisor.Transition(ConnectionStateReconnecting, disconnectAt)
	assert.Equal(t, nil, plan)
	assert.Equal(t, ConnectionStateReconnecting, session.ConnectionState)

	plan = supervisor.Transition(ConnectionStateConnected, time.Unix(205, 0))
	assert.NotEqual(t, nil, plan)
	assert.Equal(t, false, plan.FirstConnect)
	assert.Equal(t, "general", plan.RejoinChannelId)
	assert.Equal(t, disconnectAt, plan.ExpireBefore)

	// repeating the same state yields no second plan
	plan = supervisor.Transition(ConnectionStateConnected, time.Unix(206, 0))
	assert.Equal(t, nil, plan)
}

func TestSupervisorDisconnectRecordsTime(t *testing.T) {
	session := NewSession()
	supervisor := NewSupervisorWithDefaults(session)

	supervisor.Transition(ConnectionStateConnecting, time.Unix(100, 0))
	supervisor.Transition(ConnectionStateConnected, time.Unix(101, 0))
	supervisor.Transition(ConnectionStateDisconnected, time.Unix(150, 0))
	assert.Equal(t, ConnectionStateDisconnected, session.ConnectionState)

	// a later manual reconnect expires everything from before the outage
	plan := supervisor.Transition(ConnectionStateConnected, time.Unix(300, 0))
	assert.NotEqual(t, nil, plan)
	assert.Equal(t, time.Unix(150, 0), plan.ExpireBefore)
}

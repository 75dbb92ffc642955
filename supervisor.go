package chat

import (
	"time"

	"github.com/golang/glog"
)

// the connection supervisor owns the connect/reconnect lifecycle at the
// state machine level. the websocket transport executes the dial/retry
// loop with the policy configured here; the supervisor consumes the
// resulting state transitions and decides what recovery work the engine
// must do: re-join the active channel, re-request the current user, and
// expire optimistic actions whose acknowledgment was lost in the outage.

type SupervisorSettings struct {
	// reconnect policy, handed to the transport. the supervisor does not
	// compute backoff itself.
	ReconnectTimeout time.Duration
	// 0 means retry forever
	MaxReconnectAttempts int
}

func DefaultSupervisorSettings() *SupervisorSettings {
	return &SupervisorSettings{
		ReconnectTimeout:     5 * time.Second,
		MaxReconnectAttempts: 0,
	}
}

// ConnectPlan is the recovery work owed after entering connected.
type ConnectPlan struct {
	// set on the very first connection of the session
	FirstConnect       bool
	RequestCurrentUser bool
	// non-empty when the session channel must be re-subscribed
	RejoinChannelId string
	// actions begun before this point are presumed unacknowledged
	ExpireBefore time.Time
}

type Supervisor struct {
	settings *SupervisorSettings
	session  *Session

	everConnected  bool
	disconnectTime time.Time
}

func NewSupervisorWithDefaults(session *Session) *Supervisor {
	return NewSupervisor(session, DefaultSupervisorSettings())
}

func NewSupervisor(session *Session, settings *SupervisorSettings) *Supervisor {
	return &Supervisor{
		settings: settings,
		session:  session,
	}
}

func (self *Supervisor) Settings() *SupervisorSettings {
	return self.settings
}

// Transition applies one connection state change and returns the plan for
// entering connected, or nil when there is nothing to do. on the very
// first connect there is no channel to re-join and nothing to expire.
func (self *Supervisor) Transition(to ConnectionState, now time.Time) *ConnectPlan {
	from := self.session.ConnectionState
	if from == to {
		return nil
	}
	self.session.ConnectionState = to
	glog.V(2).Infof("[c]%s -> %s\n", from, to)

	switch to {
	case ConnectionStateConnected:
		plan := &ConnectPlan{
			FirstConnect:       !self.everConnected,
			RequestCurrentUser: true,
		}
		if self.everConnected {
			plan.RejoinChannelId = self.session.CurrentChannelId
			plan.ExpireBefore = self.disconnectTime
		}
		self.everConnected = true
		return plan
	case ConnectionStateReconnecting, ConnectionStateDisconnected:
		if from == ConnectionStateConnected {
			self.disconnectTime = now
		}
		if to == ConnectionStateDisconnected {
			// retry budget spent. stop silently.
			glog.Infof("[c]disconnected\n")
		}
		return nil
	default:
		return nil
	}
}

package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"

	"bringyour.com/chat/protocol"
)

const testWaitTimeout = 2 * time.Second

type testTransport struct {
	emits   chan protocol.Action
	receive chan *protocol.Envelope
	states  chan ConnectionState
}

func newTestTransport() *testTransport {
	return &testTransport{
		emits:   make(chan protocol.Action, 128),
		receive: make(chan *protocol.Envelope, 128),
		states:  make(chan ConnectionState, 128),
	}
}

func (self *testTransport) Emit(action protocol.Action) error {
	self.emits <- action
	return nil
}

func (self *testTransport) Receive() <-chan *protocol.Envelope {
	return self.receive
}

func (self *testTransport) States() <-chan ConnectionState {
	return self.states
}

func (self *testTransport) Close() {
}

func (self *testTransport) event(t *testing.T, name string, payload any) {
	data, err := json.Marshal(payload)
	assert.Equal(t, nil, err)
	self.receive <- &protocol.Envelope{
		Event: name,
		Data:  data,
	}
}

func testAuth(t *testing.T, userId string, userName string) *ClientAuth {
	byJwt, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":  userId,
		"username": userName,
	}).SignedString([]byte("test"))
	assert.Equal(t, nil, err)
	return &ClientAuth{
		ByJwt:      byJwt,
		InstanceId: NewId(),
	}
}

func newTestClient(t *testing.T, settings *ClientSettings) (*Client, *testTransport, chan Delta, chan Notice) {
	transport := newTestTransport()
	client := NewClientWithTransport(context.Background(), transport, testAuth(t, "u1", "alice"), settings)

	deltas := make(chan Delta, 256)
	client.AddDeltaCallback(func(delta Delta) {
		deltas <- delta
	})
	notices := make(chan Notice, 256)
	client.AddNoticeCallback(func(notice Notice) {
		notices <- notice
	})
	return client, transport, deltas, notices
}

func waitDelta(t *testing.T, deltas chan Delta, kind DeltaKind) Delta {
	timeout := time.After(testWaitTimeout)
	for {
		select {
		case delta := <-deltas:
			if delta.Kind == kind {
				return delta
			}
		case <-timeout:
			t.Fatalf("timeout waiting for delta %s", kind)
			return Delta{}
		}
	}
}

func waitEmit(t *testing.T, transport *testTransport, kind string) protocol.Action {
	timeout := time.After(testWaitTimeout)
	for {
		select {
		case action := <-transport.emits:
			if action.Kind() == kind {
				return action
			}
		case <-timeout:
			t.Fatalf("timeout waiting for emit %s", kind)
			return nil
		}
	}
}

// drive the client to connected with an active channel and drain the
// resulting emits
func connectAndJoin(t *testing.T, client *Client, transport *testTransport, deltas chan Delta, channelId string) {
	transport.states <- ConnectionStateConnected
	waitEmit(t, transport, protocol.OutGetCurrentUser)

	client.JoinChannel(channelId)
	join := waitEmit(t, transport, protocol.OutJoin).(*protocol.JoinAction)
	assert.Equal(t, channelId, join.Channel)
	waitDelta(t, deltas, DeltaSessionUpdate)
}

func TestClientReactionToggle(t *testing.T) {
	client, transport, deltas, _ := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m1",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "hi",
		"timestamp":  "2024-01-01T00:00:01Z",
	})
	waitDelta(t, deltas, DeltaMessageAppend)

	reaction := map[string]any{
		"message_id": "m1",
		"user_id":    "u2",
		"user":       "bob",
		"emoji":      "👍",
	}

	// first delivery toggles on
	transport.event(t, protocol.InReactionAdded, reaction)
	delta := waitDelta(t, deltas, DeltaReactionUpdate)
	assert.Equal(t, true, delta.Message.HasReaction("u2", "👍"))

	// second delivery of the same toggle removes it
	transport.event(t, protocol.InReactionAdded, reaction)
	delta = waitDelta(t, deltas, DeltaReactionUpdate)
	assert.Equal(t, false, delta.Message.HasReaction("u2", "👍"))
	assert.Equal(t, 0, len(delta.Message.Reactions))
}

func TestClientReactionConfirmation(t *testing.T) {
	client, transport, deltas, _ := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m1",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "hi",
		"timestamp":  "2024-01-01T00:00:01Z",
	})
	waitDelta(t, deltas, DeltaMessageAppend)

	// optimistic local toggle applies immediately
	client.ToggleReaction("m1", "🔥")
	delta := waitDelta(t, deltas, DeltaReactionUpdate)
	assert.Equal(t, true, delta.Message.HasReaction("u1", "🔥"))
	emit := waitEmit(t, transport, protocol.OutReaction).(*protocol.ToggleReactionAction)
	assert.Equal(t, "m1", emit.MessageId)
	assert.Equal(t, "🔥", emit.Emoji)

	// the confirming broadcast resolves the pending action without
	// toggling again. the next delta must be the marker append, not a
	// reaction update.
	transport.event(t, protocol.InReactionAdded, map[string]any{
		"message_id": "m1",
		"user_id":    "u1",
		"user":       "alice",
		"emoji":      "🔥",
	})
	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m2",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "marker",
		"timestamp":  "2024-01-01T00:00:02Z",
	})
	select {
	case next := <-deltas:
		assert.Equal(t, DeltaMessageAppend, next.Kind)
		assert.Equal(t, "m2", next.MessageId)
	case <-time.After(testWaitTimeout):
		t.Fatal("timeout waiting for marker append")
	}

	message := client.Store().Message("m1")
	assert.Equal(t, true, message.HasReaction("u1", "🔥"))
	assert.Equal(t, 1, len(message.Reactions))
	assert.Equal(t, 0, client.tracker.PendingCount())
}

func TestClientThreadReply(t *testing.T) {
	client, transport, deltas, _ := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m1",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "hi",
		"timestamp":  "2024-01-01T00:00:01Z",
	})
	waitDelta(t, deltas, DeltaMessageAppend)

	reply := map[string]any{
		"id":         "r1",
		"parent_id":  "m1",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "in thread",
		"timestamp":  "2024-01-01T00:00:02Z",
	}
	transport.event(t, protocol.InThreadReply, reply)
	delta := waitDelta(t, deltas, DeltaThreadReplyAppend)
	assert.Equal(t, "m1", delta.ParentId)
	assert.Equal(t, "r1", delta.MessageId)

	// redelivery is absorbed
	transport.event(t, protocol.InThreadReply, reply)
	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m2",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "marker",
		"timestamp":  "2024-01-01T00:00:03Z",
	})
	waitDelta(t, deltas, DeltaMessageAppend)

	parent := client.Store().Message("m1")
	assert.Equal(t, 1, parent.ReplyCount())
	assert.Equal(t, 1, len(client.Store().ThreadReplies("m1")))
}

func TestClientOptimisticSendConfirm(t *testing.T) {
	client, transport, deltas, _ := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	client.SendMessage("hello")
	delta := waitDelta(t, deltas, DeltaMessageAppend)
	assert.Equal(t, true, delta.Message.Provisional)
	provisionalId := delta.MessageId
	emit := waitEmit(t, transport, protocol.OutMessage).(*protocol.SendMessageAction)
	assert.Equal(t, "hello", emit.Content)
	assert.Equal(t, "general", emit.ChannelId)

	// the server echo replaces the provisional copy
	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "srv1",
		"channel_id": "general",
		"user_id":    "u1",
		"user":       "alice",
		"content":    "hello",
		"timestamp":  "2024-01-01T00:00:01Z",
	})
	removed := waitDelta(t, deltas, DeltaMessageRemove)
	assert.Equal(t, provisionalId, removed.MessageId)
	appended := waitDelta(t, deltas, DeltaMessageAppend)
	assert.Equal(t, "srv1", appended.MessageId)
	assert.Equal(t, false, appended.Message.Provisional)

	messages := client.Store().ChannelMessages("general")
	assert.Equal(t, 1, len(messages))
	assert.Equal(t, "srv1", messages[0].Id)
	assert.Equal(t, 0, client.tracker.PendingCount())
}

func TestClientOptimisticTimeout(t *testing.T) {
	settings := DefaultClientSettings()
	settings.Tracker.ActionTimeout = 50 * time.Millisecond
	settings.ExpireInterval = 10 * time.Millisecond

	client, transport, deltas, notices := newTestClient(t, settings)
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	client.SendMessage("hello")
	delta := waitDelta(t, deltas, DeltaMessageAppend)
	provisionalId := delta.MessageId

	// no confirmation arrives. the provisional message rolls back with
	// exactly one failure notice.
	removed := waitDelta(t, deltas, DeltaMessageRemove)
	assert.Equal(t, provisionalId, removed.MessageId)

	select {
	case notice := <-notices:
		assert.Equal(t, NoticeActionFailed, notice.Kind)
		assert.Equal(t, ActionSendMessage, notice.ActionKind)
	case <-time.After(testWaitTimeout):
		t.Fatal("timeout waiting for failure notice")
	}
	select {
	case notice := <-notices:
		t.Fatalf("unexpected second notice %s", notice.Kind)
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, 0, len(client.Store().ChannelMessages("general")))
}

func TestClientReconnectRejoin(t *testing.T) {
	client, transport, deltas, _ := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	transport.states <- ConnectionStateReconnecting
	waitDelta(t, deltas, DeltaSessionUpdate)

	transport.states <- ConnectionStateConnected
	waitDelta(t, deltas, DeltaSessionUpdate)
	waitEmit(t, transport, protocol.OutGetCurrentUser)
	join := waitEmit(t, transport, protocol.OutJoin).(*protocol.JoinAction)
	assert.Equal(t, "general", join.Channel)

	// exactly one join per reconnect
	select {
	case action := <-transport.emits:
		t.Fatalf("unexpected emit %s", action.Kind())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientChannelSwitchReset(t *testing.T) {
	client, transport, deltas, _ := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m1",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "hi",
		"timestamp":  "2024-01-01T00:00:01Z",
	})
	waitDelta(t, deltas, DeltaMessageAppend)

	client.JoinChannel("random")
	leave := waitEmit(t, transport, protocol.OutLeave).(*protocol.LeaveAction)
	assert.Equal(t, "general", leave.Channel)
	reset := waitDelta(t, deltas, DeltaChannelReset)
	assert.Equal(t, "general", reset.ChannelId)
	join := waitEmit(t, transport, protocol.OutJoin).(*protocol.JoinAction)
	assert.Equal(t, "random", join.Channel)
	waitDelta(t, deltas, DeltaSessionUpdate)

	assert.Equal(t, 0, len(client.Store().ChannelMessages("general")))
	assert.Equal(t, nil, client.Store().Message("m1"))

	// events for the departed channel are ignored
	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m9",
		"channel_id": "general",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "late",
		"timestamp":  "2024-01-01T00:00:05Z",
	})
	transport.event(t, protocol.InMessage, map[string]any{
		"id":         "m2",
		"channel_id": "random",
		"user_id":    "u2",
		"user":       "bob",
		"content":    "marker",
		"timestamp":  "2024-01-01T00:00:06Z",
	})
	delta := waitDelta(t, deltas, DeltaMessageAppend)
	assert.Equal(t, "m2", delta.MessageId)
	assert.Equal(t, nil, client.Store().Message("m9"))
}

func TestClientStaleAttachmentCompletion(t *testing.T) {
	client, transport, deltas, notices := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	// the channel switches while an attachment is encoding; when the send
	// resumes it carries the channel captured at initiation, which is no
	// longer active, and fails without mutating the store
	client.JoinChannel("random")
	waitEmit(t, transport, protocol.OutJoin)
	file, err := EncodeAttachment("notes.txt", []byte("contents"))
	assert.Equal(t, nil, err)
	client.enqueue(&sendMessageRequest{
		content:   "here",
		channelId: "general",
		file:      file,
	})

	timeout := time.After(testWaitTimeout)
	for {
		select {
		case notice := <-notices:
			if notice.Kind == NoticeActionFailed {
				assert.Equal(t, ActionSendMessage, notice.ActionKind)
				assert.Equal(t, 0, len(client.Store().ChannelMessages("general")))
				assert.Equal(t, 0, len(client.Store().ChannelMessages("random")))
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for failure notice")
		}
	}
}

func TestClientSendFileMessage(t *testing.T) {
	client, transport, deltas, _ := newTestClient(t, DefaultClientSettings())
	defer client.Close()

	connectAndJoin(t, client, transport, deltas, "general")

	client.SendFileMessage("here", "notes.txt", []byte("contents"))
	delta := waitDelta(t, deltas, DeltaMessageAppend)
	assert.Equal(t, true, delta.Message.Provisional)
	assert.Equal(t, "text/plain", delta.Message.Attachment.Type)

	emit := waitEmit(t, transport, protocol.OutMessage).(*protocol.SendMessageAction)
	assert.Equal(t, "here", emit.Content)
	assert.NotEqual(t, nil, emit.File)
	assert.Equal(t, "text/plain", emit.File.Type)
}

package protocol

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDecodeMessage(t *testing.T) {
	frame := []byte(`{"event": "message", "data": {
		"id": "41",
		"channel_id": "general",
		"user_id": "7",
		"user": "ada",
		"content": "hi",
		"timestamp": "2024-05-01T10:00:00.123456",
		"reactions": [{"emoji": "👍", "user_id": "9", "user": "bo"}],
		"is_pinned": true,
		"pinned_by": "bo"
	}}`)

	event, err := DecodeFrame(frame)
	assert.Equal(t, nil, err)

	message, ok := event.(*MessageEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, "41", message.Id)
	assert.Equal(t, "general", message.ChannelId)
	assert.Equal(t, "hi", message.Content)
	assert.Equal(t, 1, len(message.Reactions))
	assert.Equal(t, "👍", message.Reactions[0].Emoji)
	assert.Equal(t, true, message.IsPinned)
	// zoneless isoformat timestamps must parse
	assert.Equal(t, false, message.Timestamp.IsZero())
}

func TestDecodeThreadMessageAlias(t *testing.T) {
	// the upstream server broadcasts replies as "thread_message"
	frame := []byte(`{"event": "thread_message", "data": {
		"id": "52",
		"channel_id": "general",
		"parent_id": "41",
		"user_id": "9",
		"user": "bo",
		"content": "hey",
		"timestamp": "2024-05-01T10:00:05Z"
	}}`)

	event, err := DecodeFrame(frame)
	assert.Equal(t, nil, err)

	reply, ok := event.(*ThreadReplyEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, InThreadReply, reply.Kind())
	assert.Equal(t, "41", reply.ParentId)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, frame := range [][]byte{
		[]byte(`{"data": {}}`),
		[]byte(`{"event": "message", "data": {"content": "no ids"}}`),
		[]byte(`{"event": "thread_reply", "data": {"id": "52", "content": "no parent"}}`),
		[]byte(`{"event": "reaction_added", "data": {"message_id": "41"}}`),
		[]byte(`{"event": "message_pinned", "data": {"is_pinned": true}}`),
		[]byte(`{"event": "current_user", "data": {}}`),
		[]byte(`{"event": "no_such_event", "data": {}}`),
		[]byte(`not json`),
	} {
		event, err := DecodeFrame(frame)
		assert.Equal(t, nil, event)
		assert.NotEqual(t, nil, err)
	}
}

func TestEncodeAction(t *testing.T) {
	frame, err := EncodeAction(&ToggleReactionAction{
		MessageId: "41",
		Emoji:     "👍",
	})
	assert.Equal(t, nil, err)

	envelope, err := ParseEnvelope(frame)
	assert.Equal(t, nil, err)
	assert.Equal(t, OutReaction, envelope.Event)

	event, err := DecodeEvent(InReactionAdded, envelope.Data)
	// outbound reaction has no user_id, it is filled by the server
	assert.Equal(t, nil, event)
	assert.NotEqual(t, nil, err)
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	data, err := At(at).MarshalJSON()
	assert.Equal(t, nil, err)

	parsed := &Timestamp{}
	err = parsed.UnmarshalJSON(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, parsed.Equal(at))
}

package chat

// deltas are the engine's output surface. rendering subscribes to these
// instead of being called from the reconciler directly; each delta
// describes one applied change to the entity store.

type DeltaKind string

const (
	DeltaMessageAppend     DeltaKind = "message_append"
	DeltaMessageRemove     DeltaKind = "message_remove"
	DeltaThreadReplyAppend DeltaKind = "thread_reply_append"
	DeltaReactionUpdate    DeltaKind = "reaction_update"
	DeltaPinUpdate         DeltaKind = "pin_update"
	DeltaBookmarkUpdate    DeltaKind = "bookmark_update"
	DeltaChannelUpsert     DeltaKind = "channel_upsert"
	DeltaChannelReset      DeltaKind = "channel_reset"
	DeltaPresenceUpdate    DeltaKind = "presence_update"
	DeltaSessionUpdate     DeltaKind = "session_update"
)

type Delta struct {
	Kind      DeltaKind
	ChannelId string
	MessageId string
	// set for message and thread deltas; for thread deltas this is the reply
	Message *Message
	// set for thread deltas
	ParentId string
	Channel  *Channel
	User     *User
	Session  Session
}

// notices are the recoverable failures and request/response style results
// that cross the boundary to the rendering layer. nothing here is fatal.

type NoticeKind string

const (
	NoticeActionFailed  NoticeKind = "action_failed"
	NoticeServerError   NoticeKind = "server_error"
	NoticeUserStatus    NoticeKind = "user_status"
	NoticeSearchResults NoticeKind = "search_results"
)

type Notice struct {
	Kind    NoticeKind
	Message string
	// set for action_failed
	ActionKind ActionKind
	Token      Id
	// set for user_status and search_results
	Payload any
}

type DeltaFunction func(delta Delta)

type NoticeFunction func(notice Notice)

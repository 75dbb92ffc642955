package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire envelope for every frame in both directions:
//
//	{"event": <name>, "data": {...}}
//
// the event name selects the payload shape. payloads that do not match the
// expected shape for their name are rejected at decode, not assumed.

// inbound event names
const (
	InMessage           = "message"
	InThreadReply       = "thread_reply"
	InThreadMessage     = "thread_message"
	InReactionAdded     = "reaction_added"
	InMessagePinned     = "message_pinned"
	InMessageBookmarked = "message_bookmarked"
	InStatusChange      = "status_change"
	InChannelCreated    = "channel_created"
	InChannelInfo       = "channel_info"
	InChannelList       = "channel_list"
	InCurrentUser       = "current_user"
	InUserStatus        = "user_status"
	InUserStatusUpdated = "user_status_updated"
	InSearchResults     = "search_results"
	InError             = "error"
)

// outbound event names
const (
	OutJoin               = "join"
	OutLeave              = "leave"
	OutMessage            = "message"
	OutThreadReply        = "thread_reply"
	OutReaction           = "reaction"
	OutPinMessage         = "pin_message"
	OutBookmarkMessage    = "bookmark_message"
	OutGetCurrentUser     = "get_current_user"
	OutCreateChannel      = "create_channel"
	OutGetUserStatus      = "get_user_status"
	OutUpdateCustomStatus = "update_custom_status"
	OutSearchMessages     = "search_messages"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Timestamp accepts both RFC 3339 and the zoneless python isoformat
// the upstream server emits. marshals as RFC 3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func (self *Timestamp) UnmarshalJSON(src []byte) error {
	var s string
	if err := json.Unmarshal(src, &s); err != nil {
		return err
	}
	if s == "" {
		self.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			self.Time = t
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

func (self Timestamp) MarshalJSON() ([]byte, error) {
	if self.Time.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(self.Time.Format(time.RFC3339Nano))
}

func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

type Reaction struct {
	Emoji  string `json:"emoji"`
	UserId string `json:"user_id"`
	User   string `json:"user,omitempty"`
}

// Attachment carries file metadata. Data is set only on outbound frames,
// as a base64 data url produced by the encode step before emit.
// inbound frames carry the retrievable Path instead.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Path string `json:"path,omitempty"`
	Data string `json:"data,omitempty"`
}

type Message struct {
	Id        string      `json:"id"`
	ChannelId string      `json:"channel_id"`
	UserId    string      `json:"user_id"`
	User      string      `json:"user"`
	Content   string      `json:"content"`
	Timestamp Timestamp   `json:"timestamp"`
	ParentId  string      `json:"parent_id,omitempty"`
	Reactions []Reaction  `json:"reactions,omitempty"`
	Threads   []Message   `json:"threads,omitempty"`
	IsPinned  bool        `json:"is_pinned,omitempty"`
	PinnedBy  string      `json:"pinned_by,omitempty"`
	PinnedAt  *Timestamp  `json:"pinned_at,omitempty"`
	File      *Attachment `json:"file,omitempty"`
	// legacy servers send a bare attachment name instead of a file object
	AttachmentName string `json:"attachment_name,omitempty"`
}

type Channel struct {
	Id           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Creator      string `json:"creator,omitempty"`
	CreatorId    string `json:"creator_id,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
	ReplyCount   int    `json:"reply_count,omitempty"`
}

// Event is one decoded inbound frame. the concrete type is selected by the
// envelope event name.
type Event interface {
	Kind() string
}

type MessageEvent struct {
	Message
}

func (self *MessageEvent) Kind() string {
	return InMessage
}

type ThreadReplyEvent struct {
	Message
}

func (self *ThreadReplyEvent) Kind() string {
	return InThreadReply
}

type ReactionAddedEvent struct {
	MessageId string `json:"message_id"`
	UserId    string `json:"user_id"`
	User      string `json:"user,omitempty"`
	Emoji     string `json:"emoji"`
	IsThread  bool   `json:"is_thread,omitempty"`
}

func (self *ReactionAddedEvent) Kind() string {
	return InReactionAdded
}

type MessagePinnedEvent struct {
	MessageId string     `json:"message_id"`
	IsPinned  bool       `json:"is_pinned"`
	PinnedBy  string     `json:"pinned_by,omitempty"`
	PinnedAt  *Timestamp `json:"pinned_at,omitempty"`
}

func (self *MessagePinnedEvent) Kind() string {
	return InMessagePinned
}

type MessageBookmarkedEvent struct {
	MessageId    string `json:"message_id"`
	IsBookmarked bool   `json:"is_bookmarked"`
	Note         string `json:"note,omitempty"`
}

func (self *MessageBookmarkedEvent) Kind() string {
	return InMessageBookmarked
}

type StatusChangeEvent struct {
	UserId string `json:"user_id"`
	Status string `json:"status"`
}

func (self *StatusChangeEvent) Kind() string {
	return InStatusChange
}

type ChannelCreatedEvent struct {
	Channel
	CreatedBy string `json:"created_by,omitempty"`
}

func (self *ChannelCreatedEvent) Kind() string {
	return InChannelCreated
}

type ChannelInfoEvent struct {
	Channel
}

func (self *ChannelInfoEvent) Kind() string {
	return InChannelInfo
}

type ChannelListEvent struct {
	Channels []Channel `json:"channels"`
}

func (self *ChannelListEvent) Kind() string {
	return InChannelList
}

type CurrentUserEvent struct {
	UserId string `json:"user_id"`
}

func (self *CurrentUserEvent) Kind() string {
	return InCurrentUser
}

type UserStatusEvent struct {
	Username     string     `json:"username"`
	IsOnline     bool       `json:"is_online"`
	CustomStatus string     `json:"custom_status,omitempty"`
	StatusEmoji  string     `json:"status_emoji,omitempty"`
	LastSeen     *Timestamp `json:"last_seen,omitempty"`
	Role         string     `json:"role,omitempty"`
	Bio          string     `json:"bio,omitempty"`
}

func (self *UserStatusEvent) Kind() string {
	return InUserStatus
}

type UserStatusUpdatedEvent struct {
	UserId       string `json:"user_id"`
	Username     string `json:"username,omitempty"`
	IsOnline     bool   `json:"is_online"`
	CustomStatus string `json:"custom_status,omitempty"`
	StatusEmoji  string `json:"status_emoji,omitempty"`
}

func (self *UserStatusUpdatedEvent) Kind() string {
	return InUserStatusUpdated
}

type SearchResultsEvent struct {
	Keyword  string    `json:"keyword"`
	Messages []Message `json:"messages"`
}

func (self *SearchResultsEvent) Kind() string {
	return InSearchResults
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func (self *ErrorEvent) Kind() string {
	return InError
}

func ParseEnvelope(frame []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(frame, envelope); err != nil {
		return nil, err
	}
	if envelope.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return envelope, nil
}

// DecodeEvent rejects frames whose payload does not carry the fields
// required for the event name. unknown names are an error so the caller
// can log and drop.
func DecodeEvent(name string, data json.RawMessage) (Event, error) {
	decode := func(out any) error {
		if len(data) == 0 {
			return fmt.Errorf("%s: empty payload", name)
		}
		return json.Unmarshal(data, out)
	}

	switch name {
	case InMessage:
		event := &MessageEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.Id == "" || event.ChannelId == "" {
			return nil, fmt.Errorf("message: missing id or channel_id")
		}
		return event, nil
	case InThreadReply, InThreadMessage:
		// the upstream server broadcasts replies as "thread_message"
		event := &ThreadReplyEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.Id == "" || event.ParentId == "" {
			return nil, fmt.Errorf("thread_reply: missing id or parent_id")
		}
		return event, nil
	case InReactionAdded:
		event := &ReactionAddedEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.MessageId == "" || event.UserId == "" || event.Emoji == "" {
			return nil, fmt.Errorf("reaction_added: missing message_id, user_id or emoji")
		}
		return event, nil
	case InMessagePinned:
		event := &MessagePinnedEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.MessageId == "" {
			return nil, fmt.Errorf("message_pinned: missing message_id")
		}
		return event, nil
	case InMessageBookmarked:
		event := &MessageBookmarkedEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.MessageId == "" {
			return nil, fmt.Errorf("message_bookmarked: missing message_id")
		}
		return event, nil
	case InStatusChange:
		event := &StatusChangeEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.UserId == "" {
			return nil, fmt.Errorf("status_change: missing user_id")
		}
		return event, nil
	case InChannelCreated:
		event := &ChannelCreatedEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.Id == "" || event.Name == "" {
			return nil, fmt.Errorf("channel_created: missing id or name")
		}
		return event, nil
	case InChannelInfo:
		event := &ChannelInfoEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.Id == "" {
			return nil, fmt.Errorf("channel_info: missing id")
		}
		return event, nil
	case InChannelList:
		event := &ChannelListEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		return event, nil
	case InCurrentUser:
		event := &CurrentUserEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.UserId == "" {
			return nil, fmt.Errorf("current_user: missing user_id")
		}
		return event, nil
	case InUserStatus:
		event := &UserStatusEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		return event, nil
	case InUserStatusUpdated:
		event := &UserStatusUpdatedEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		if event.UserId == "" {
			return nil, fmt.Errorf("user_status_updated: missing user_id")
		}
		return event, nil
	case InSearchResults:
		event := &SearchResultsEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		return event, nil
	case InError:
		event := &ErrorEvent{}
		if err := decode(event); err != nil {
			return nil, err
		}
		return event, nil
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

func DecodeFrame(frame []byte) (Event, error) {
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(envelope.Event, envelope.Data)
}

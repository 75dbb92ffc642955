package protocol

import (
	"encoding/json"
)

// Action is one outbound frame. the concrete type selects the event name.
type Action interface {
	Kind() string
}

type JoinAction struct {
	Channel string `json:"channel"`
}

func (self *JoinAction) Kind() string {
	return OutJoin
}

type LeaveAction struct {
	Channel string `json:"channel"`
}

func (self *LeaveAction) Kind() string {
	return OutLeave
}

type SendMessageAction struct {
	Content   string      `json:"content"`
	ChannelId string      `json:"channel_id"`
	File      *Attachment `json:"file,omitempty"`
}

func (self *SendMessageAction) Kind() string {
	return OutMessage
}

type SendThreadReplyAction struct {
	Content   string `json:"content"`
	ParentId  string `json:"parent_id"`
	ChannelId string `json:"channel_id"`
}

func (self *SendThreadReplyAction) Kind() string {
	return OutThreadReply
}

type ToggleReactionAction struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
	IsThread  bool   `json:"is_thread,omitempty"`
}

func (self *ToggleReactionAction) Kind() string {
	return OutReaction
}

type PinMessageAction struct {
	MessageId string `json:"message_id"`
}

func (self *PinMessageAction) Kind() string {
	return OutPinMessage
}

type BookmarkMessageAction struct {
	MessageId string `json:"message_id"`
	Note      string `json:"note"`
}

func (self *BookmarkMessageAction) Kind() string {
	return OutBookmarkMessage
}

type GetCurrentUserAction struct{}

func (self *GetCurrentUserAction) Kind() string {
	return OutGetCurrentUser
}

type CreateChannelAction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (self *CreateChannelAction) Kind() string {
	return OutCreateChannel
}

type GetUserStatusAction struct {
	Username string `json:"username"`
}

func (self *GetUserStatusAction) Kind() string {
	return OutGetUserStatus
}

type UpdateCustomStatusAction struct {
	Status string `json:"status"`
	Emoji  string `json:"emoji"`
}

func (self *UpdateCustomStatusAction) Kind() string {
	return OutUpdateCustomStatus
}

type SearchMessagesAction struct {
	Keyword   string `json:"keyword"`
	ChannelId string `json:"channel_id,omitempty"`
}

func (self *SearchMessagesAction) Kind() string {
	return OutSearchMessages
}

func EncodeAction(action Action) ([]byte, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{
		Event: action.Kind(),
		Data:  data,
	})
}

package chat

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the entity store is the single authoritative view of channels, messages,
// threads, reactions, pins and bookmarks. it is owned and mutated only by
// the engine goroutine (see client.go), so there is no lock here.
//
// every operation is idempotent with respect to the same logical input.
// the event log is the primary dedup layer; idempotence here is defense
// in depth against redelivery across a channel rejoin.

type Channel struct {
	Id           string
	Name         string
	Description  string
	Creator      string
	CreatorId    string
	MessageCount int
	ReplyCount   int
}

type User struct {
	Id           string
	Name         string
	Online       bool
	CustomStatus string
	StatusEmoji  string
}

type Reaction struct {
	Emoji  string
	UserId string
	User   string
}

type PinState struct {
	Pinned   bool
	PinnedBy string
	PinnedAt time.Time
}

type BookmarkState struct {
	Bookmarked bool
	Note       string
}

type Attachment struct {
	Name string
	Type string
	Path string
}

type Message struct {
	Id        string
	ChannelId string
	UserId    string
	User      string
	Content   string
	Timestamp time.Time
	// empty for top-level messages. a set parent references a top-level
	// message in the same channel; replies do not nest further.
	ParentId string
	Pin      PinState
	Bookmark BookmarkState
	// ordered, at most one entry per (user, emoji)
	Reactions []Reaction
	// reply ids in timestamp order, top-level messages only
	ThreadReplyIds []string
	Attachment     *Attachment
	// set on provisional messages applied before server confirmation
	Provisional bool
}

func (self *Message) IsThreadReply() bool {
	return self.ParentId != ""
}

func (self *Message) ReplyCount() int {
	return len(self.ThreadReplyIds)
}

func (self *Message) HasReaction(userId string, emoji string) bool {
	for _, reaction := range self.Reactions {
		if reaction.UserId == userId && reaction.Emoji == emoji {
			return true
		}
	}
	return false
}

// ReactionGroup is the grouped badge view: one emoji with its count and
// the set of contributing users.
type ReactionGroup struct {
	Emoji string
	Count int
	Users []string
}

func (self *Message) ReactionGroups() []ReactionGroup {
	order := []string{}
	groups := map[string]*ReactionGroup{}
	for _, reaction := range self.Reactions {
		group, ok := groups[reaction.Emoji]
		if !ok {
			group = &ReactionGroup{
				Emoji: reaction.Emoji,
			}
			groups[reaction.Emoji] = group
			order = append(order, reaction.Emoji)
		}
		group.Count += 1
		group.Users = append(group.Users, reaction.UserId)
	}
	out := make([]ReactionGroup, 0, len(order))
	for _, emoji := range order {
		out = append(out, *groups[emoji])
	}
	return out
}

type Store struct {
	channels map[string]*Channel
	users    map[string]*User
	// all messages by id, thread replies included
	messages map[string]*Message
	// top-level messages per channel in timestamp order
	channelMessages map[string][]*Message
}

func NewStore() *Store {
	return &Store{
		channels:        map[string]*Channel{},
		users:           map[string]*User{},
		messages:        map[string]*Message{},
		channelMessages: map[string][]*Message{},
	}
}

func (self *Store) Channel(channelId string) *Channel {
	return self.channels[channelId]
}

func (self *Store) Channels() []*Channel {
	channelIds := maps.Keys(self.channels)
	slices.Sort(channelIds)
	out := make([]*Channel, 0, len(channelIds))
	for _, channelId := range channelIds {
		out = append(out, self.channels[channelId])
	}
	return out
}

func (self *Store) Message(messageId string) *Message {
	return self.messages[messageId]
}

func (self *Store) ChannelMessages(channelId string) []*Message {
	return self.channelMessages[channelId]
}

func (self *Store) UserStatus(userId string) *User {
	return self.users[userId]
}

// UpsertChannel merges channel metadata. zero fields in the update do not
// clear previously known values.
func (self *Store) UpsertChannel(update Channel) *Channel {
	channel, ok := self.channels[update.Id]
	if !ok {
		channel = &Channel{
			Id: update.Id,
		}
		self.channels[update.Id] = channel
	}
	if update.Name != "" {
		channel.Name = update.Name
	}
	if update.Description != "" {
		channel.Description = update.Description
	}
	if update.Creator != "" {
		channel.Creator = update.Creator
	}
	if update.CreatorId != "" {
		channel.CreatorId = update.CreatorId
	}
	if 0 < update.MessageCount {
		channel.MessageCount = update.MessageCount
	}
	if 0 < update.ReplyCount {
		channel.ReplyCount = update.ReplyCount
	}
	return channel
}

// AppendMessage inserts a top-level message in timestamp order. messages
// that arrive out of order land at their timestamp position; equal
// timestamps keep arrival order. re-appending an existing id is a no-op.
func (self *Store) AppendMessage(message *Message) (*Message, bool) {
	if existing, ok := self.messages[message.Id]; ok {
		return existing, false
	}
	if message.IsThreadReply() {
		return nil, false
	}

	self.messages[message.Id] = message
	messages := self.channelMessages[message.ChannelId]
	i := len(messages)
	for 0 < i && message.Timestamp.Before(messages[i-1].Timestamp) {
		i -= 1
	}
	self.channelMessages[message.ChannelId] = slices.Insert(messages, i, message)
	return message, true
}

// AppendThreadReply attaches a reply to its parent. the parent must be a
// known top-level message; an unknown parent is a not-found signal for the
// reconciler, not an error. reply ids are kept in timestamp order.
func (self *Store) AppendThreadReply(reply *Message) (*Message, bool) {
	if !reply.IsThreadReply() {
		return nil, false
	}
	parent, ok := self.messages[reply.ParentId]
	if !ok || parent.IsThreadReply() {
		return nil, false
	}
	if _, ok := self.messages[reply.Id]; ok {
		return parent, false
	}

	self.messages[reply.Id] = reply
	i := len(parent.ThreadReplyIds)
	for 0 < i {
		previous := self.messages[parent.ThreadReplyIds[i-1]]
		if previous == nil || !reply.Timestamp.Before(previous.Timestamp) {
			break
		}
		i -= 1
	}
	parent.ThreadReplyIds = slices.Insert(parent.ThreadReplyIds, i, reply.Id)
	return parent, true
}

// ThreadReplies resolves the ordered reply list of a parent message.
func (self *Store) ThreadReplies(parentId string) []*Message {
	parent, ok := self.messages[parentId]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(parent.ThreadReplyIds))
	for _, replyId := range parent.ThreadReplyIds {
		if reply, ok := self.messages[replyId]; ok {
			out = append(out, reply)
		}
	}
	return out
}

// AddReaction appends (user, emoji) if absent. at most one reaction per
// (message, user, emoji) ever exists.
func (self *Store) AddReaction(messageId string, reaction Reaction) (*Message, bool) {
	message, ok := self.messages[messageId]
	if !ok {
		return nil, false
	}
	if message.HasReaction(reaction.UserId, reaction.Emoji) {
		return message, false
	}
	message.Reactions = append(message.Reactions, reaction)
	return message, true
}

// RemoveReaction removes (user, emoji) if present.
func (self *Store) RemoveReaction(messageId string, userId string, emoji string) (*Message, bool) {
	message, ok := self.messages[messageId]
	if !ok {
		return nil, false
	}
	for i, reaction := range message.Reactions {
		if reaction.UserId == userId && reaction.Emoji == emoji {
			message.Reactions = slices.Delete(message.Reactions, i, i+1)
			return message, true
		}
	}
	return message, false
}

// SetPinState replaces the pin state wholesale. the server is
// authoritative; the latest event wins.
func (self *Store) SetPinState(messageId string, pin PinState) (*Message, bool) {
	message, ok := self.messages[messageId]
	if !ok {
		return nil, false
	}
	if message.Pin == pin {
		return message, false
	}
	message.Pin = pin
	return message, true
}

// SetBookmarkState replaces the per-viewer bookmark state wholesale.
func (self *Store) SetBookmarkState(messageId string, bookmark BookmarkState) (*Message, bool) {
	message, ok := self.messages[messageId]
	if !ok {
		return nil, false
	}
	if message.Bookmark == bookmark {
		return message, false
	}
	message.Bookmark = bookmark
	return message, true
}

func (self *Store) SetUserOnline(userId string, online bool) *User {
	user, ok := self.users[userId]
	if !ok {
		user = &User{
			Id: userId,
		}
		self.users[userId] = user
	}
	user.Online = online
	return user
}

func (self *Store) SetUserCustomStatus(userId string, name string, online bool, customStatus string, statusEmoji string) *User {
	user, ok := self.users[userId]
	if !ok {
		user = &User{
			Id: userId,
		}
		self.users[userId] = user
	}
	if name != "" {
		user.Name = name
	}
	user.Online = online
	user.CustomStatus = customStatus
	user.StatusEmoji = statusEmoji
	return user
}

// RemoveMessage structurally removes a message. only provisional
// (unconfirmed) messages are ever removed; server entities are never
// deleted by this engine.
func (self *Store) RemoveMessage(messageId string) (*Message, bool) {
	message, ok := self.messages[messageId]
	if !ok {
		return nil, false
	}
	delete(self.messages, messageId)
	if message.IsThreadReply() {
		if parent, ok := self.messages[message.ParentId]; ok {
			if i := slices.Index(parent.ThreadReplyIds, messageId); 0 <= i {
				parent.ThreadReplyIds = slices.Delete(parent.ThreadReplyIds, i, i+1)
			}
		}
	} else {
		messages := self.channelMessages[message.ChannelId]
		if i := slices.Index(messages, message); 0 <= i {
			self.channelMessages[message.ChannelId] = slices.Delete(messages, i, i+1)
		}
		for _, replyId := range message.ThreadReplyIds {
			delete(self.messages, replyId)
		}
	}
	return message, true
}

// ResetChannel drops all messages of a channel. used on join/leave
// transitions, where the server replays the backlog on join.
func (self *Store) ResetChannel(channelId string) {
	for _, message := range self.channelMessages[channelId] {
		for _, replyId := range message.ThreadReplyIds {
			delete(self.messages, replyId)
		}
		delete(self.messages, message.Id)
	}
	delete(self.channelMessages, channelId)
}

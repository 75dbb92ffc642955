package chat

import (
	"time"

	"golang.org/x/exp/slices"
)

// the transport has no native request/response correlation: every
// confirmation is inferred from the shape of a later broadcast event.
// the tracker records each user action applied optimistically to the
// store, matches inbound events back to the pending action, and rolls
// back actions that were never confirmed.
//
// the tracker holds only references (ids) into the entity store, never a
// competing copy of the entities.

type ActionKind string

const (
	ActionSendMessage ActionKind = "message"
	ActionThreadReply ActionKind = "thread_reply"
	ActionReaction    ActionKind = "reaction"
	ActionPin         ActionKind = "pin"
	ActionBookmark    ActionKind = "bookmark"
)

// RollbackFunction reverts the provisional store mutation of one action
// and returns the deltas describing the reversion.
type RollbackFunction func() []Delta

type OptimisticAction struct {
	Token      Id
	Kind       ActionKind
	CreateTime time.Time

	// correlation fields. MessageId is the provisional id for sends and
	// the target id for reaction/pin/bookmark.
	MessageId string
	ChannelId string
	ParentId  string
	Content   string
	Emoji     string

	rollback RollbackFunction
}

func (self *OptimisticAction) Rollback() []Delta {
	if self.rollback == nil {
		return nil
	}
	return self.rollback()
}

type OptimisticTrackerSettings struct {
	// how long an action may wait for a confirming event
	ActionTimeout time.Duration
}

func DefaultOptimisticTrackerSettings() *OptimisticTrackerSettings {
	return &OptimisticTrackerSettings{
		ActionTimeout: 10 * time.Second,
	}
}

type OptimisticTracker struct {
	settings *OptimisticTrackerSettings

	// pending actions in begin order
	order   []Id
	actions map[Id]*OptimisticAction
}

func NewOptimisticTrackerWithDefaults() *OptimisticTracker {
	return NewOptimisticTracker(DefaultOptimisticTrackerSettings())
}

func NewOptimisticTracker(settings *OptimisticTrackerSettings) *OptimisticTracker {
	return &OptimisticTracker{
		settings: settings,
		order:    []Id{},
		actions:  map[Id]*OptimisticAction{},
	}
}

// Begin records a pending action whose provisional mutation has already
// been applied to the store, and returns its correlation token.
func (self *OptimisticTracker) Begin(action *OptimisticAction, rollback RollbackFunction) Id {
	token := NewId()
	action.Token = token
	action.rollback = rollback
	self.order = append(self.order, token)
	self.actions[token] = action
	return token
}

// Resolve drops the pending record. the confirming event's own
// application to the store is the final state, not additive.
func (self *OptimisticTracker) Resolve(token Id) *OptimisticAction {
	action, ok := self.actions[token]
	if !ok {
		return nil
	}
	delete(self.actions, token)
	if i := slices.Index(self.order, token); 0 <= i {
		self.order = slices.Delete(self.order, i, i+1)
	}
	return action
}

func (self *OptimisticTracker) PendingCount() int {
	return len(self.actions)
}

func (self *OptimisticTracker) match(test func(action *OptimisticAction) bool) *OptimisticAction {
	// oldest first
	for _, token := range self.order {
		action := self.actions[token]
		if test(action) {
			return action
		}
	}
	return nil
}

// MatchReaction correlates an inbound reaction event from the local user.
func (self *OptimisticTracker) MatchReaction(messageId string, emoji string) *OptimisticAction {
	return self.match(func(action *OptimisticAction) bool {
		return action.Kind == ActionReaction &&
			action.MessageId == messageId &&
			action.Emoji == emoji
	})
}

// MatchSend correlates an inbound message event from the local user with
// a just-sent message. the transport does not echo a client token, so the
// match is by channel and content.
func (self *OptimisticTracker) MatchSend(channelId string, content string) *OptimisticAction {
	return self.match(func(action *OptimisticAction) bool {
		return action.Kind == ActionSendMessage &&
			action.ChannelId == channelId &&
			action.Content == content
	})
}

func (self *OptimisticTracker) MatchThreadReply(parentId string, content string) *OptimisticAction {
	return self.match(func(action *OptimisticAction) bool {
		return action.Kind == ActionThreadReply &&
			action.ParentId == parentId &&
			action.Content == content
	})
}

func (self *OptimisticTracker) MatchPin(messageId string) *OptimisticAction {
	return self.match(func(action *OptimisticAction) bool {
		return action.Kind == ActionPin && action.MessageId == messageId
	})
}

func (self *OptimisticTracker) MatchBookmark(messageId string) *OptimisticAction {
	return self.match(func(action *OptimisticAction) bool {
		return action.Kind == ActionBookmark && action.MessageId == messageId
	})
}

// ExpireTimedOut removes and returns every action older than the action
// timeout. the caller rolls each one back and surfaces a failure notice.
func (self *OptimisticTracker) ExpireTimedOut(now time.Time) []*OptimisticAction {
	return self.ExpireBefore(now.Add(-self.settings.ActionTimeout))
}

// ExpireBefore removes and returns every action begun before t. used
// after a reconnect, where acknowledgments from before the disconnect
// point are presumed lost.
func (self *OptimisticTracker) ExpireBefore(t time.Time) []*OptimisticAction {
	expired := []*OptimisticAction{}
	for _, token := range slices.Clone(self.order) {
		action := self.actions[token]
		if action.CreateTime.Before(t) {
			self.Resolve(token)
			expired = append(expired, action)
		}
	}
	return expired
}

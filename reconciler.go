package chat

import (
	"time"

	"github.com/golang/glog"

	"bringyour.com/chat/protocol"
)

// the reconciler merges one inbound event into the entity store under the
// invariants of the data model, consulting the optimistic action tracker
// so that confirmations of the local user's own actions are treated as
// confirmation, not reapplication. it runs only on the engine goroutine.
//
// duplicate delivery and unresolvable references are absorbed here and
// never surfaced; only recoverable notices cross to the rendering layer.

type Reconciler struct {
	store    *Store
	eventLog *EventLog
	tracker  *OptimisticTracker
	// handed in so toggle semantics never depend on ambient state
	session *Session
}

func NewReconciler(
	store *Store,
	eventLog *EventLog,
	tracker *OptimisticTracker,
	session *Session,
) *Reconciler {
	return &Reconciler{
		store:    store,
		eventLog: eventLog,
		tracker:  tracker,
		session:  session,
	}
}

func (self *Reconciler) SetLocalUser(userId string) {
	self.session.UserId = userId
}

// Apply merges one inbound event and returns the resulting store deltas
// and boundary-crossing notices.
func (self *Reconciler) Apply(event protocol.Event) ([]Delta, []Notice) {
	switch v := event.(type) {
	case *protocol.MessageEvent:
		return self.applyMessage(v), nil
	case *protocol.ThreadReplyEvent:
		return self.applyThreadReply(v), nil
	case *protocol.ReactionAddedEvent:
		return self.applyReaction(v), nil
	case *protocol.MessagePinnedEvent:
		return self.applyPin(v), nil
	case *protocol.MessageBookmarkedEvent:
		return self.applyBookmark(v), nil
	case *protocol.StatusChangeEvent:
		user := self.store.SetUserOnline(v.UserId, v.Status == "online")
		return []Delta{{
			Kind: DeltaPresenceUpdate,
			User: user,
		}}, nil
	case *protocol.ChannelCreatedEvent:
		if !self.eventLog.Admit(protocol.InChannelCreated, v.Id) {
			return nil, nil
		}
		return self.upsertChannel(v.Channel), nil
	case *protocol.ChannelInfoEvent:
		return self.upsertChannel(v.Channel), nil
	case *protocol.ChannelListEvent:
		deltas := []Delta{}
		for _, channel := range v.Channels {
			deltas = append(deltas, self.upsertChannel(channel)...)
		}
		return deltas, nil
	case *protocol.CurrentUserEvent:
		self.session.UserId = v.UserId
		return []Delta{{
			Kind:    DeltaSessionUpdate,
			Session: *self.session,
		}}, nil
	case *protocol.UserStatusUpdatedEvent:
		user := self.store.SetUserCustomStatus(v.UserId, v.Username, v.IsOnline, v.CustomStatus, v.StatusEmoji)
		return []Delta{{
			Kind: DeltaPresenceUpdate,
			User: user,
		}}, nil
	case *protocol.UserStatusEvent:
		return nil, []Notice{{
			Kind:    NoticeUserStatus,
			Message: v.Username,
			Payload: v,
		}}
	case *protocol.SearchResultsEvent:
		return nil, []Notice{{
			Kind:    NoticeSearchResults,
			Message: v.Keyword,
			Payload: v,
		}}
	case *protocol.ErrorEvent:
		// explicit server error. surfaced, not retried.
		return nil, []Notice{{
			Kind:    NoticeServerError,
			Message: v.Message,
		}}
	default:
		glog.Infof("[r]drop unhandled event %s\n", event.Kind())
		return nil, nil
	}
}

func (self *Reconciler) applyMessage(event *protocol.MessageEvent) []Delta {
	if !self.session.IsActiveChannel(event.ChannelId) {
		// belongs to a non-active channel. no buffering.
		glog.V(2).Infof("[r]ignore message %s for inactive channel %s\n", event.Id, event.ChannelId)
		return nil
	}
	if !self.eventLog.Admit(protocol.InMessage, event.Id) {
		return nil
	}

	deltas := []Delta{}

	// a broadcast of our own just-sent message confirms the pending send.
	// the provisional copy is replaced by the server entity.
	if event.UserId != "" && event.UserId == self.session.UserId {
		if action := self.tracker.MatchSend(event.ChannelId, event.Content); action != nil {
			self.tracker.Resolve(action.Token)
			if removed, ok := self.store.RemoveMessage(action.MessageId); ok {
				deltas = append(deltas, Delta{
					Kind:      DeltaMessageRemove,
					ChannelId: removed.ChannelId,
					MessageId: removed.Id,
				})
			}
		}
	}

	message := messageFromProtocol(&event.Message)
	if appended, changed := self.store.AppendMessage(message); changed {
		deltas = append(deltas, Delta{
			Kind:      DeltaMessageAppend,
			ChannelId: appended.ChannelId,
			MessageId: appended.Id,
			Message:   appended,
		})
	}

	// history replay nests the thread backlog inside the parent
	for i := range event.Threads {
		reply := messageFromProtocol(&event.Threads[i])
		reply.ParentId = event.Id
		reply.ChannelId = event.ChannelId
		if parent, changed := self.store.AppendThreadReply(reply); changed {
			deltas = append(deltas, Delta{
				Kind:      DeltaThreadReplyAppend,
				ChannelId: parent.ChannelId,
				MessageId: reply.Id,
				ParentId:  parent.Id,
				Message:   reply,
			})
		}
	}

	return deltas
}

func (self *Reconciler) applyThreadReply(event *protocol.ThreadReplyEvent) []Delta {
	if !self.eventLog.Admit(protocol.InThreadReply, event.Id) {
		return nil
	}

	deltas := []Delta{}

	if event.UserId != "" && event.UserId == self.session.UserId {
		if action := self.tracker.MatchThreadReply(event.ParentId, event.Content); action != nil {
			self.tracker.Resolve(action.Token)
			if removed, ok := self.store.RemoveMessage(action.MessageId); ok {
				deltas = append(deltas, Delta{
					Kind:      DeltaMessageRemove,
					ChannelId: removed.ChannelId,
					MessageId: removed.Id,
					ParentId:  removed.ParentId,
				})
			}
		}
	}

	reply := messageFromProtocol(&event.Message)
	parent, changed := self.store.AppendThreadReply(reply)
	if parent == nil {
		// parent not loaded. a load ordering race, not a failure.
		glog.Infof("[r]drop thread reply %s: unknown parent %s\n", event.Id, event.ParentId)
		return deltas
	}
	if changed {
		deltas = append(deltas, Delta{
			Kind:      DeltaThreadReplyAppend,
			ChannelId: parent.ChannelId,
			MessageId: reply.Id,
			ParentId:  parent.Id,
			Message:   reply,
		})
	}
	return deltas
}

func (self *Reconciler) applyReaction(event *protocol.ReactionAddedEvent) []Delta {
	message := self.store.Message(event.MessageId)
	if message == nil {
		glog.Infof("[r]drop reaction for unknown message %s\n", event.MessageId)
		return nil
	}

	if event.UserId == self.session.UserId {
		if action := self.tracker.MatchReaction(event.MessageId, event.Emoji); action != nil {
			// the store already reflects the predicted toggle.
			// confirmation, not reapplication.
			self.tracker.Resolve(action.Token)
			return nil
		}
	}

	// toggle semantics: a second event for the same (message, user, emoji)
	// removes rather than duplicates
	var changed bool
	if message.HasReaction(event.UserId, event.Emoji) {
		message, changed = self.store.RemoveReaction(event.MessageId, event.UserId, event.Emoji)
	} else {
		message, changed = self.store.AddReaction(event.MessageId, Reaction{
			Emoji:  event.Emoji,
			UserId: event.UserId,
			User:   event.User,
		})
	}
	if !changed {
		return nil
	}
	return []Delta{{
		Kind:      DeltaReactionUpdate,
		ChannelId: message.ChannelId,
		MessageId: message.Id,
		Message:   message,
	}}
}

func (self *Reconciler) applyPin(event *protocol.MessagePinnedEvent) []Delta {
	if action := self.tracker.MatchPin(event.MessageId); action != nil {
		self.tracker.Resolve(action.Token)
	}

	pin := PinState{
		Pinned:   event.IsPinned,
		PinnedBy: event.PinnedBy,
	}
	if event.PinnedAt != nil {
		pin.PinnedAt = event.PinnedAt.Time
	}
	message, changed := self.store.SetPinState(event.MessageId, pin)
	if message == nil {
		glog.Infof("[r]drop pin for unknown message %s\n", event.MessageId)
		return nil
	}
	if !changed {
		return nil
	}
	return []Delta{{
		Kind:      DeltaPinUpdate,
		ChannelId: message.ChannelId,
		MessageId: message.Id,
		Message:   message,
	}}
}

func (self *Reconciler) applyBookmark(event *protocol.MessageBookmarkedEvent) []Delta {
	if action := self.tracker.MatchBookmark(event.MessageId); action != nil {
		self.tracker.Resolve(action.Token)
	}

	message, changed := self.store.SetBookmarkState(event.MessageId, BookmarkState{
		Bookmarked: event.IsBookmarked,
		Note:       event.Note,
	})
	if message == nil {
		glog.Infof("[r]drop bookmark for unknown message %s\n", event.MessageId)
		return nil
	}
	if !changed {
		return nil
	}
	return []Delta{{
		Kind:      DeltaBookmarkUpdate,
		ChannelId: message.ChannelId,
		MessageId: message.Id,
		Message:   message,
	}}
}

func (self *Reconciler) upsertChannel(update protocol.Channel) []Delta {
	channel := self.store.UpsertChannel(Channel{
		Id:           update.Id,
		Name:         update.Name,
		Description:  update.Description,
		Creator:      update.Creator,
		CreatorId:    update.CreatorId,
		MessageCount: update.MessageCount,
		ReplyCount:   update.ReplyCount,
	})
	return []Delta{{
		Kind:      DeltaChannelUpsert,
		ChannelId: channel.Id,
		Channel:   channel,
	}}
}

func messageFromProtocol(m *protocol.Message) *Message {
	message := &Message{
		Id:        m.Id,
		ChannelId: m.ChannelId,
		UserId:    m.UserId,
		User:      m.User,
		Content:   m.Content,
		Timestamp: m.Timestamp.Time,
		ParentId:  m.ParentId,
	}
	if m.IsPinned {
		message.Pin = PinState{
			Pinned:   true,
			PinnedBy: m.PinnedBy,
		}
		if m.PinnedAt != nil {
			message.Pin.PinnedAt = m.PinnedAt.Time
		}
	}
	for _, reaction := range m.Reactions {
		// the server enforces at most one (user, emoji), but events are
		// at least once
		if !message.HasReaction(reaction.UserId, reaction.Emoji) {
			message.Reactions = append(message.Reactions, Reaction{
				Emoji:  reaction.Emoji,
				UserId: reaction.UserId,
				User:   reaction.User,
			})
		}
	}
	if m.File != nil {
		message.Attachment = &Attachment{
			Name: m.File.Name,
			Type: m.File.Type,
			Path: m.File.Path,
		}
	} else if m.AttachmentName != "" {
		message.Attachment = &Attachment{
			Name: m.AttachmentName,
		}
	}
	return message
}

// nowFunction lets tests control the clock
type nowFunction func() time.Time

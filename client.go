package chat

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"

	"bringyour.com/chat/protocol"
)

const RequestBufferSize = 32

const maxCustomStatusLength = 100
const maxStatusEmojiLength = 32

type ClientSettings struct {
	EventLog   *EventLogSettings
	Tracker    *OptimisticTrackerSettings
	Supervisor *SupervisorSettings
	Transport  *WsTransportSettings
	// how often the optimistic expiry scan runs
	ExpireInterval time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		EventLog:       DefaultEventLogSettings(),
		Tracker:        DefaultOptimisticTrackerSettings(),
		Supervisor:     DefaultSupervisorSettings(),
		Transport:      DefaultWsTransportSettings(),
		ExpireInterval: 1 * time.Second,
	}
}

// Client is the event-driven state engine. all inbound transport events
// and all user-initiated actions are handled as discrete tasks on one
// goroutine, in arrival order; the entity store is mutated only there.
//
// delta and notice callbacks are invoked synchronously on the engine
// goroutine. subscribers copy what they need and return; reading the
// store outside a callback is a data race.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth          *ClientAuth
	localUserName string

	transport  Transport
	store      *Store
	eventLog   *EventLog
	tracker    *OptimisticTracker
	session    *Session
	supervisor *Supervisor
	reconciler *Reconciler

	settings *ClientSettings

	requests chan any

	deltaCallbacks  *CallbackList[DeltaFunction]
	noticeCallbacks *CallbackList[NoticeFunction]

	now nowFunction
}

func NewClientWithDefaults(ctx context.Context, url string, auth *ClientAuth) *Client {
	return NewClient(ctx, url, auth, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, auth *ClientAuth, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := NewWsTransport(cancelCtx, url, auth, settings.Supervisor, settings.Transport)
	return newClient(cancelCtx, cancel, transport, auth, settings)
}

// NewClientWithTransport wires the engine over an externally owned
// transport. used by tests and by embedders with their own connection.
func NewClientWithTransport(ctx context.Context, transport Transport, auth *ClientAuth, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return newClient(cancelCtx, cancel, transport, auth, settings)
}

func newClient(
	ctx context.Context,
	cancel context.CancelFunc,
	transport Transport,
	auth *ClientAuth,
	settings *ClientSettings,
) *Client {
	store := NewStore()
	eventLog := NewEventLog(settings.EventLog)
	tracker := NewOptimisticTracker(settings.Tracker)
	session := NewSession()

	client := &Client{
		ctx:             ctx,
		cancel:          cancel,
		auth:            auth,
		transport:       transport,
		store:           store,
		eventLog:        eventLog,
		tracker:         tracker,
		session:         session,
		supervisor:      NewSupervisor(session, settings.Supervisor),
		reconciler:      NewReconciler(store, eventLog, tracker, session),
		settings:        settings,
		requests:        make(chan any, RequestBufferSize),
		deltaCallbacks:  NewCallbackList[DeltaFunction](),
		noticeCallbacks: NewCallbackList[NoticeFunction](),
		now:             time.Now,
	}

	// the local user id is handed to the reconciler up front so toggle
	// semantics do not wait for the current_user event
	if byJwt, err := ParseByJwtUnverified(auth.ByJwt); err == nil {
		client.reconciler.SetLocalUser(byJwt.UserId)
		client.localUserName = byJwt.UserName
	}

	go client.run()
	return client
}

func (self *Client) Close() {
	self.cancel()
	self.transport.Close()
}

// Store exposes the authoritative entities. it must be read only inside
// a delta or notice callback, which run on the engine goroutine.
func (self *Client) Store() *Store {
	return self.store
}

func (self *Client) AddDeltaCallback(deltaCallback DeltaFunction) func() {
	callbackId := self.deltaCallbacks.Add(deltaCallback)
	return func() {
		self.deltaCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddNoticeCallback(noticeCallback NoticeFunction) func() {
	callbackId := self.noticeCallbacks.Add(noticeCallback)
	return func() {
		self.noticeCallbacks.Remove(callbackId)
	}
}

// user-initiated actions. each enqueues one task for the engine
// goroutine; validation and the optimistic store mutation happen there,
// in order with inbound events.

func (self *Client) JoinChannel(channelId string) {
	self.enqueue(&joinRequest{channelId: channelId})
}

func (self *Client) LeaveChannel() {
	self.enqueue(&joinRequest{})
}

func (self *Client) SendMessage(content string) {
	self.enqueue(&sendMessageRequest{content: content})
}

// SendFileMessage validates and encodes the attachment off the engine
// goroutine, then enqueues the send. the active channel is captured at
// initiation and re-validated when the encode step resumes, since the
// world may have changed across the suspension.
func (self *Client) SendFileMessage(content string, filename string, data []byte) {
	self.enqueue(&attachRequest{
		content:  content,
		filename: filename,
		data:     data,
	})
}

func (self *Client) SendThreadReply(parentId string, content string) {
	self.enqueue(&threadReplyRequest{parentId: parentId, content: content})
}

func (self *Client) ToggleReaction(messageId string, emoji string) {
	self.enqueue(&reactionRequest{messageId: messageId, emoji: emoji})
}

func (self *Client) PinMessage(messageId string) {
	self.enqueue(&pinRequest{messageId: messageId})
}

func (self *Client) BookmarkMessage(messageId string, note string) {
	self.enqueue(&bookmarkRequest{messageId: messageId, note: note})
}

func (self *Client) CreateChannel(name string, description string) {
	self.enqueue(&createChannelRequest{name: name, description: description})
}

func (self *Client) UpdateCustomStatus(status string, emoji string) {
	self.enqueue(&customStatusRequest{status: status, emoji: emoji})
}

func (self *Client) GetUserStatus(username string) {
	self.enqueue(&userStatusRequest{username: username})
}

func (self *Client) SearchMessages(keyword string) {
	self.enqueue(&searchRequest{keyword: keyword})
}

type joinRequest struct {
	// empty means leave the current channel
	channelId string
}

type sendMessageRequest struct {
	content string
	// empty means the active channel at processing time. set by the
	// attachment flow, which captures the channel at initiation.
	channelId string
	file      *protocol.Attachment
}

type attachRequest struct {
	content  string
	filename string
	data     []byte
}

type threadReplyRequest struct {
	parentId string
	content  string
}

type reactionRequest struct {
	messageId string
	emoji     string
}

type pinRequest struct {
	messageId string
}

type bookmarkRequest struct {
	messageId string
	note      string
}

type createChannelRequest struct {
	name        string
	description string
}

type customStatusRequest struct {
	status string
	emoji  string
}

type userStatusRequest struct {
	username string
}

type searchRequest struct {
	keyword string
}

type noticeRequest struct {
	notice Notice
}

func (self *Client) enqueue(request any) {
	select {
	case <-self.ctx.Done():
	case self.requests <- request:
	}
}

// engine loop

func (self *Client) run() {
	defer self.cancel()

	expire := time.NewTicker(self.settings.ExpireInterval)
	defer expire.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case envelope, ok := <-self.transport.Receive():
			if !ok {
				return
			}
			self.handleInbound(envelope)
		case state := <-self.transport.States():
			self.handleState(state)
		case request := <-self.requests:
			self.handleRequest(request)
		case <-expire.C:
			self.expireActions(self.now())
		}
	}
}

func (self *Client) handleInbound(envelope *protocol.Envelope) {
	event, err := protocol.DecodeEvent(envelope.Event, envelope.Data)
	if err != nil {
		// malformed payload for the tag. log and drop.
		glog.Infof("[r]drop %s = %s\n", envelope.Event, err)
		return
	}
	deltas, notices := self.reconciler.Apply(event)
	self.emitDeltas(deltas)
	self.emitNotices(notices)
}

func (self *Client) handleState(state ConnectionState) {
	changed := self.session.ConnectionState != state
	plan := self.supervisor.Transition(state, self.now())
	if changed {
		self.emitDeltas([]Delta{{
			Kind:    DeltaSessionUpdate,
			Session: *self.session,
		}})
	}
	if plan == nil {
		return
	}

	if !plan.ExpireBefore.IsZero() {
		// acknowledgments from before the outage are presumed lost
		self.rollbackActions(self.tracker.ExpireBefore(plan.ExpireBefore))
	}
	if plan.RequestCurrentUser {
		self.emit(&protocol.GetCurrentUserAction{})
	}
	rejoinChannelId := plan.RejoinChannelId
	if plan.FirstConnect {
		// a channel selected while offline is joined on first connect
		rejoinChannelId = self.session.CurrentChannelId
	}
	if rejoinChannelId != "" {
		self.emit(&protocol.JoinAction{Channel: rejoinChannelId})
	}
}

func (self *Client) handleRequest(request any) {
	switch v := request.(type) {
	case *joinRequest:
		self.handleJoin(v)
	case *sendMessageRequest:
		self.handleSendMessage(v)
	case *attachRequest:
		self.handleAttach(v)
	case *threadReplyRequest:
		self.handleThreadReply(v)
	case *reactionRequest:
		self.handleReaction(v)
	case *pinRequest:
		self.handlePin(v)
	case *bookmarkRequest:
		self.handleBookmark(v)
	case *createChannelRequest:
		if v.name == "" {
			self.failRequest(ActionKind(protocol.OutCreateChannel), "channel name is required")
			return
		}
		self.emit(&protocol.CreateChannelAction{
			Name:        v.name,
			Description: v.description,
		})
	case *customStatusRequest:
		if maxCustomStatusLength < utf8.RuneCountInString(v.status) ||
			maxStatusEmojiLength < utf8.RuneCountInString(v.emoji) {
			self.failRequest(ActionKind(protocol.OutUpdateCustomStatus), "status too long")
			return
		}
		self.emit(&protocol.UpdateCustomStatusAction{
			Status: v.status,
			Emoji:  v.emoji,
		})
	case *userStatusRequest:
		self.emit(&protocol.GetUserStatusAction{Username: v.username})
	case *searchRequest:
		self.emit(&protocol.SearchMessagesAction{
			Keyword:   v.keyword,
			ChannelId: self.session.CurrentChannelId,
		})
	case *noticeRequest:
		self.emitNotices([]Notice{v.notice})
	default:
		glog.Infof("[r]drop unknown request %T\n", request)
	}
}

func (self *Client) handleJoin(request *joinRequest) {
	if request.channelId == self.session.CurrentChannelId {
		return
	}

	if previousChannelId := self.session.CurrentChannelId; previousChannelId != "" {
		self.emit(&protocol.LeaveAction{Channel: previousChannelId})
		// interest in the previous channel ends now. clear the backlog;
		// the server replays history on a later rejoin.
		self.store.ResetChannel(previousChannelId)
		self.eventLog.Reset()
		self.emitDeltas([]Delta{{
			Kind:      DeltaChannelReset,
			ChannelId: previousChannelId,
		}})
	}

	self.session.CurrentChannelId = request.channelId
	self.emitDeltas([]Delta{{
		Kind:    DeltaSessionUpdate,
		Session: *self.session,
	}})
	if request.channelId != "" {
		self.emit(&protocol.JoinAction{Channel: request.channelId})
	}
}

func (self *Client) handleSendMessage(request *sendMessageRequest) {
	if request.content == "" && request.file == nil {
		self.failRequest(ActionSendMessage, "message content is required")
		return
	}
	channelId := request.channelId
	if channelId == "" {
		channelId = self.session.CurrentChannelId
	}
	// re-validate: the channel may have switched while an attachment was
	// being encoded
	if !self.session.IsActiveChannel(channelId) {
		self.failRequest(ActionSendMessage, "channel is no longer active")
		return
	}

	provisional := &Message{
		Id:          "local-" + NewId().String(),
		ChannelId:   channelId,
		UserId:      self.session.UserId,
		User:        self.localUserName,
		Content:     request.content,
		Timestamp:   self.now(),
		Provisional: true,
	}
	if request.file != nil {
		provisional.Attachment = &Attachment{
			Name: request.file.Name,
			Type: request.file.Type,
		}
	}
	self.store.AppendMessage(provisional)
	self.emitDeltas([]Delta{{
		Kind:      DeltaMessageAppend,
		ChannelId: channelId,
		MessageId: provisional.Id,
		Message:   provisional,
	}})

	self.tracker.Begin(&OptimisticAction{
		Kind:       ActionSendMessage,
		CreateTime: self.now(),
		MessageId:  provisional.Id,
		ChannelId:  channelId,
		Content:    request.content,
	}, func() []Delta {
		if removed, ok := self.store.RemoveMessage(provisional.Id); ok {
			return []Delta{{
				Kind:      DeltaMessageRemove,
				ChannelId: removed.ChannelId,
				MessageId: removed.Id,
			}}
		}
		return nil
	})

	self.emit(&protocol.SendMessageAction{
		Content:   request.content,
		ChannelId: channelId,
		File:      request.file,
	})
}

func (self *Client) handleAttach(request *attachRequest) {
	// capture the active channel before suspending
	channelId := self.session.CurrentChannelId
	if channelId == "" {
		self.failRequest(ActionSendMessage, "no active channel")
		return
	}

	go func() {
		// suspension point: the engine keeps processing events while the
		// file is encoded. the resumed send re-validates the channel.
		file, err := EncodeAttachment(request.filename, request.data)
		if err != nil {
			self.enqueue(&noticeRequest{
				notice: Notice{
					Kind:       NoticeActionFailed,
					ActionKind: ActionSendMessage,
					Message:    err.Error(),
				},
			})
			return
		}
		self.enqueue(&sendMessageRequest{
			content:   request.content,
			channelId: channelId,
			file:      file,
		})
	}()
}

func (self *Client) handleThreadReply(request *threadReplyRequest) {
	if request.content == "" {
		self.failRequest(ActionThreadReply, "reply content is required")
		return
	}
	parent := self.store.Message(request.parentId)
	if parent == nil || parent.IsThreadReply() || !self.session.IsActiveChannel(parent.ChannelId) {
		self.failRequest(ActionThreadReply, "parent message is not available")
		return
	}

	provisional := &Message{
		Id:          "local-" + NewId().String(),
		ChannelId:   parent.ChannelId,
		UserId:      self.session.UserId,
		User:        self.localUserName,
		Content:     request.content,
		Timestamp:   self.now(),
		ParentId:    parent.Id,
		Provisional: true,
	}
	self.store.AppendThreadReply(provisional)
	self.emitDeltas([]Delta{{
		Kind:      DeltaThreadReplyAppend,
		ChannelId: parent.ChannelId,
		MessageId: provisional.Id,
		ParentId:  parent.Id,
		Message:   provisional,
	}})

	self.tracker.Begin(&OptimisticAction{
		Kind:       ActionThreadReply,
		CreateTime: self.now(),
		MessageId:  provisional.Id,
		ChannelId:  parent.ChannelId,
		ParentId:   parent.Id,
		Content:    request.content,
	}, func() []Delta {
		if removed, ok := self.store.RemoveMessage(provisional.Id); ok {
			return []Delta{{
				Kind:      DeltaMessageRemove,
				ChannelId: removed.ChannelId,
				MessageId: removed.Id,
				ParentId:  removed.ParentId,
			}}
		}
		return nil
	})

	self.emit(&protocol.SendThreadReplyAction{
		Content:   request.content,
		ParentId:  parent.Id,
		ChannelId: parent.ChannelId,
	})
}

func (self *Client) handleReaction(request *reactionRequest) {
	message := self.store.Message(request.messageId)
	if message == nil || !self.session.IsActiveChannel(message.ChannelId) {
		self.failRequest(ActionReaction, "message is not available")
		return
	}
	userId := self.session.UserId
	if userId == "" {
		// identity not yet established; no local prediction possible
		self.failRequest(ActionReaction, "local user unknown")
		return
	}

	// predict exactly what the confirming broadcast will do
	toggledOn := !message.HasReaction(userId, request.emoji)
	if toggledOn {
		self.store.AddReaction(message.Id, Reaction{
			Emoji:  request.emoji,
			UserId: userId,
			User:   self.localUserName,
		})
	} else {
		self.store.RemoveReaction(message.Id, userId, request.emoji)
	}
	self.emitDeltas([]Delta{{
		Kind:      DeltaReactionUpdate,
		ChannelId: message.ChannelId,
		MessageId: message.Id,
		Message:   message,
	}})

	messageId := message.Id
	emoji := request.emoji
	self.tracker.Begin(&OptimisticAction{
		Kind:       ActionReaction,
		CreateTime: self.now(),
		MessageId:  messageId,
		ChannelId:  message.ChannelId,
		Emoji:      emoji,
	}, func() []Delta {
		// inverse toggle. the target may be gone after a channel switch.
		reverted := self.store.Message(messageId)
		if reverted == nil {
			return nil
		}
		if toggledOn {
			self.store.RemoveReaction(messageId, userId, emoji)
		} else {
			self.store.AddReaction(messageId, Reaction{
				Emoji:  emoji,
				UserId: userId,
				User:   self.localUserName,
			})
		}
		return []Delta{{
			Kind:      DeltaReactionUpdate,
			ChannelId: reverted.ChannelId,
			MessageId: reverted.Id,
			Message:   reverted,
		}}
	})

	self.emit(&protocol.ToggleReactionAction{
		MessageId: messageId,
		Emoji:     emoji,
		IsThread:  message.IsThreadReply(),
	})
}

func (self *Client) handlePin(request *pinRequest) {
	message := self.store.Message(request.messageId)
	if message == nil || !self.session.IsActiveChannel(message.ChannelId) {
		self.failRequest(ActionPin, "message is not available")
		return
	}

	previous := message.Pin
	next := PinState{}
	if !previous.Pinned {
		next = PinState{
			Pinned:   true,
			PinnedBy: self.localUserName,
			PinnedAt: self.now(),
		}
	}
	self.store.SetPinState(message.Id, next)
	self.emitDeltas([]Delta{{
		Kind:      DeltaPinUpdate,
		ChannelId: message.ChannelId,
		MessageId: message.Id,
		Message:   message,
	}})

	messageId := message.Id
	self.tracker.Begin(&OptimisticAction{
		Kind:       ActionPin,
		CreateTime: self.now(),
		MessageId:  messageId,
		ChannelId:  message.ChannelId,
	}, func() []Delta {
		reverted, ok := self.store.SetPinState(messageId, previous)
		if !ok {
			return nil
		}
		return []Delta{{
			Kind:      DeltaPinUpdate,
			ChannelId: reverted.ChannelId,
			MessageId: reverted.Id,
			Message:   reverted,
		}}
	})

	self.emit(&protocol.PinMessageAction{MessageId: messageId})
}

func (self *Client) handleBookmark(request *bookmarkRequest) {
	message := self.store.Message(request.messageId)
	if message == nil || !self.session.IsActiveChannel(message.ChannelId) {
		self.failRequest(ActionBookmark, "message is not available")
		return
	}

	previous := message.Bookmark
	next := BookmarkState{}
	if !previous.Bookmarked {
		next = BookmarkState{
			Bookmarked: true,
			Note:       request.note,
		}
	}
	self.store.SetBookmarkState(message.Id, next)
	self.emitDeltas([]Delta{{
		Kind:      DeltaBookmarkUpdate,
		ChannelId: message.ChannelId,
		MessageId: message.Id,
		Message:   message,
	}})

	messageId := message.Id
	self.tracker.Begin(&OptimisticAction{
		Kind:       ActionBookmark,
		CreateTime: self.now(),
		MessageId:  messageId,
		ChannelId:  message.ChannelId,
	}, func() []Delta {
		reverted, ok := self.store.SetBookmarkState(messageId, previous)
		if !ok {
			return nil
		}
		return []Delta{{
			Kind:      DeltaBookmarkUpdate,
			ChannelId: reverted.ChannelId,
			MessageId: reverted.Id,
			Message:   reverted,
		}}
	})

	self.emit(&protocol.BookmarkMessageAction{
		MessageId: messageId,
		Note:      request.note,
	})
}

func (self *Client) expireActions(now time.Time) {
	self.rollbackActions(self.tracker.ExpireTimedOut(now))
}

func (self *Client) rollbackActions(expired []*OptimisticAction) {
	for _, action := range expired {
		self.emitDeltas(action.Rollback())
		self.emitNotices([]Notice{{
			Kind:       NoticeActionFailed,
			ActionKind: action.Kind,
			Token:      action.Token,
			Message:    "action was not confirmed in time",
		}})
	}
}

func (self *Client) failRequest(kind ActionKind, message string) {
	glog.V(2).Infof("[r]reject %s = %s\n", kind, message)
	self.emitNotices([]Notice{{
		Kind:       NoticeActionFailed,
		ActionKind: kind,
		Message:    message,
	}})
}

func (self *Client) emit(action protocol.Action) {
	if err := self.transport.Emit(action); err != nil {
		glog.Infof("[r]emit %s error = %s\n", action.Kind(), err)
	}
}

func (self *Client) emitDeltas(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	callbacks := self.deltaCallbacks.Get()
	for _, delta := range deltas {
		for _, deltaCallback := range callbacks {
			func() {
				defer recover()
				deltaCallback(delta)
			}()
		}
	}
}

func (self *Client) emitNotices(notices []Notice) {
	if len(notices) == 0 {
		return
	}
	callbacks := self.noticeCallbacks.Get()
	for _, notice := range notices {
		for _, noticeCallback := range callbacks {
			func() {
				defer recover()
				noticeCallback(notice)
			}()
		}
	}
}

package chat

// Session is the process-wide view of who the local user is, which channel
// is active, and the connection state. it is a plain value owned by the
// engine goroutine and handed by reference to the reconciler and the
// connection supervisor; nothing reads it from ambient scope.
type Session struct {
	// local user id, set from the current_user event after connect
	UserId string
	// empty when no channel is active
	CurrentChannelId string
	ConnectionState  ConnectionState
}

func NewSession() *Session {
	return &Session{
		ConnectionState: ConnectionStateDisconnected,
	}
}

func (self *Session) IsActiveChannel(channelId string) bool {
	return self.CurrentChannelId != "" && self.CurrentChannelId == channelId
}

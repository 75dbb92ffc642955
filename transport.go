package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"bringyour.com/chat/protocol"
)

const TransportBufferSize = 32

// Transport is the persistent connection the engine consumes: emit for
// outbound actions, one ordered channel of inbound envelopes, and one
// channel of connection state transitions for the supervisor.
type Transport interface {
	Emit(action protocol.Action) error
	Receive() <-chan *protocol.Envelope
	States() <-chan ConnectionState
	Close()
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

type wsAuthFrame struct {
	Token      string `json:"token"`
	InstanceId string `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

// WsTransport maintains one websocket to the chat server with json
// envelope frames. it reconnects with the policy handed down from the
// supervisor settings and stops silently when the retry budget is spent.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	auth   *ClientAuth
	policy *SupervisorSettings

	settings *WsTransportSettings

	send    chan []byte
	receive chan *protocol.Envelope
	states  chan ConnectionState
}

func NewWsTransportWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	policy *SupervisorSettings,
) *WsTransport {
	return NewWsTransport(ctx, url, auth, policy, DefaultWsTransportSettings())
}

func NewWsTransport(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	policy *SupervisorSettings,
	settings *WsTransportSettings,
) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		auth:     auth,
		policy:   policy,
		settings: settings,
		send:     make(chan []byte, TransportBufferSize),
		receive:  make(chan *protocol.Envelope, TransportBufferSize),
		states:   make(chan ConnectionState, TransportBufferSize),
	}
	go transport.run()
	return transport
}

func (self *WsTransport) Emit(action protocol.Action) error {
	frame, err := protocol.EncodeAction(action)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return errNotConnected
	case self.send <- frame:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return errNotConnected
	}
}

func (self *WsTransport) Receive() <-chan *protocol.Envelope {
	return self.receive
}

func (self *WsTransport) States() <-chan ConnectionState {
	return self.states
}

func (self *WsTransport) Close() {
	self.cancel()
}

func (self *WsTransport) setState(state ConnectionState) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.states <- state:
		return true
	}
}

func (self *WsTransport) run() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	attempts := 0
	everConnected := false

	for {
		if everConnected {
			if !self.setState(ConnectionStateReconnecting) {
				return
			}
		} else {
			if !self.setState(ConnectionStateConnecting) {
				return
			}
		}

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authFrame, err := json.Marshal(&protocol.Envelope{
				Event: "auth",
				Data: mustMarshal(&wsAuthFrame{
					Token:      self.auth.ByJwt,
					InstanceId: self.auth.InstanceId.String(),
					AppVersion: self.auth.AppVersion,
				}),
			})
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authFrame); err != nil {
				return nil, err
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]connect error = %s\n", err)
			attempts += 1
			if 0 < self.policy.MaxReconnectAttempts && self.policy.MaxReconnectAttempts <= attempts {
				// budget spent
				self.setState(ConnectionStateDisconnected)
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.policy.ReconnectTimeout):
				continue
			}
		}

		attempts = 0
		everConnected = true
		if !self.setState(ConnectionStateConnected) {
			ws.Close()
			return
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case frame, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
							// a deadline timeout cannot be recovered on a websocket
							glog.Infof("[ts]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[ts]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, frame, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						envelope, err := protocol.ParseEnvelope(frame)
						if err != nil {
							// bad frame, drop
							glog.Infof("[tr]<- bad frame = %s\n", err)
							continue
						}
						select {
						case <-handleCtx.Done():
							return
						case self.receive <- envelope:
							glog.V(2).Infof("[tr]%s<-\n", envelope.Event)
						}
					default:
						glog.V(2).Infof("[tr]other=%d<-\n", messageType)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.policy.ReconnectTimeout):
		}
	}
}

func mustMarshal(value any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return data
}

package chat

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024 * 1024)
}

// connection state machine is:
// ConnectionStateDisconnected
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateConnected
//	    -> ConnectionStateReconnecting
//	      -> ConnectionStateConnected
//	      -> ConnectionStateDisconnected (terminal when the retry budget is spent)
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

func (self ConnectionState) IsActive() bool {
	switch self {
	case ConnectionStateConnected:
		return true
	default:
		return false
	}
}

func (self ConnectionState) String() string {
	return string(self)
}

var errNotConnected = fmt.Errorf("not connected")

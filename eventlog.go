package chat

import (
	"sync"
)

// the transport delivers at least once. the event log tags each inbound
// event with an identity key and rejects repeats, keeping a bounded window
// of recently seen keys per event kind so memory does not grow with session
// length. rejected events are an expected transport property, not a failure.
//
// reaction toggles are deliberately not admitted here: a repeated toggle is
// a legitimate user action and the toggle event is its own inverse, so the
// reconciler applies them unconditionally.

type EventLogSettings struct {
	// max recently seen keys retained per event kind
	WindowSize int
}

func DefaultEventLogSettings() *EventLogSettings {
	return &EventLogSettings{
		WindowSize: 4096,
	}
}

type EventLog struct {
	settings *EventLogSettings

	stateLock sync.Mutex
	windows   map[string]*keyWindow
}

func NewEventLogWithDefaults() *EventLog {
	return NewEventLog(DefaultEventLogSettings())
}

func NewEventLog(settings *EventLogSettings) *EventLog {
	return &EventLog{
		settings: settings,
		windows:  map[string]*keyWindow{},
	}
}

// Admit returns false when the (kind, key) pair was already seen inside
// the retention window. an empty key is always admitted.
func (self *EventLog) Admit(eventKind string, identityKey string) bool {
	if identityKey == "" {
		return true
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	window, ok := self.windows[eventKind]
	if !ok {
		window = newKeyWindow(self.settings.WindowSize)
		self.windows[eventKind] = window
	}
	return window.admit(identityKey)
}

// Reset drops all retained keys. used on channel switch, where the store
// is cleared and the server replays the backlog.
func (self *EventLog) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.windows = map[string]*keyWindow{}
}

// count-windowed fifo of identity keys
type keyWindow struct {
	maxSize int
	keys    map[string]bool
	order   []string
}

func newKeyWindow(maxSize int) *keyWindow {
	return &keyWindow{
		maxSize: maxSize,
		keys:    map[string]bool{},
		order:   []string{},
	}
}

func (self *keyWindow) admit(key string) bool {
	if self.keys[key] {
		return false
	}
	self.keys[key] = true
	self.order = append(self.order, key)
	for self.maxSize < len(self.order) {
		evictKey := self.order[0]
		self.order = self.order[1:]
		delete(self.keys, evictKey)
	}
	return true
}

// Package events carries state changes to the application. The queue is bounded; when the reader
// falls behind the oldest undelivered event is dropped and counted, so producers never block.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/meow-io/go-chatmail/metrics"
)

type Kind int

const (
	IncomingMsg Kind = iota + 1
	MsgsChanged
	MsgDelivered
	MsgFailed
	MsgRead
	ChatModified
	ContactsChanged
	SecurejoinInviterProgress
	SecurejoinJoinerProgress
	Warning
	Error
	MembershipStale
)

var kindNames = map[Kind]string{
	IncomingMsg:               "IncomingMsg",
	MsgsChanged:               "MsgsChanged",
	MsgDelivered:              "MsgDelivered",
	MsgFailed:                 "MsgFailed",
	MsgRead:                   "MsgRead",
	ChatModified:              "ChatModified",
	ContactsChanged:           "ContactsChanged",
	SecurejoinInviterProgress: "SecurejoinInviterProgress",
	SecurejoinJoinerProgress:  "SecurejoinJoinerProgress",
	Warning:                   "Warning",
	Error:                     "Error",
	MembershipStale:           "MembershipStale",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Event struct {
	Kind      Kind
	ChatID    int64
	MsgID     int64
	ContactID int64
	GroupID   string
	// Progress is 0..1000 for SecureJoin events, 0 meaning failure.
	Progress int
	Text     string
}

// Emitter is the Sink implementation handed to every component.
type Emitter struct {
	lock    sync.Mutex
	updates chan Event
	missed  atomic.Uint64
}

// Sink accepts events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

func NewEmitter(size int) *Emitter {
	if size < 1 {
		size = 1
	}
	return &Emitter{updates: make(chan Event, size)}
}

func (e *Emitter) Emit(ev Event) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for {
		select {
		case e.updates <- ev:
			return
		default:
		}
		select {
		case <-e.updates:
			e.missed.Add(1)
			metrics.EventDropped()
		default:
		}
	}
}

func (e *Emitter) Updates() <-chan Event {
	return e.updates
}

// Missed is the number of events dropped because the queue was full.
func (e *Emitter) Missed() uint64 {
	return e.missed.Load()
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Emit(Event) {}

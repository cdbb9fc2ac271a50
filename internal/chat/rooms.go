package chat

import "sync"

// HistoryLimit is the number of recent messages retained per room.
const HistoryLimit = 50

// RoomID names one of the fixed chat rooms.
type RoomID string

// The fixed set of rooms. Rooms exist for the lifetime of the process.
const (
	RoomGeneral   RoomID = "general"
	RoomBallonDor RoomID = "ballon-dor"
	RoomTransfers RoomID = "transfers"
	RoomGOAT      RoomID = "goat"

	DefaultRoom = RoomGeneral
)

// Rooms lists every room in display order.
var Rooms = []RoomID{RoomGeneral, RoomBallonDor, RoomTransfers, RoomGOAT}

var knownRooms = func() map[RoomID]struct{} {
	m := make(map[RoomID]struct{}, len(Rooms))
	for _, r := range Rooms {
		m[r] = struct{}{}
	}
	return m
}()

// Normalize maps candidate to itself when it names a known room and to
// DefaultRoom otherwise. Client-supplied room ids must pass through here
// before any other room operation.
func Normalize(candidate string) RoomID {
	if _, ok := knownRooms[RoomID(candidate)]; ok {
		return RoomID(candidate)
	}
	return DefaultRoom
}

// Registry stores the recent history of every room. It is goroutine-safe and
// keeps one ring buffer per room.
type Registry struct {
	mu      sync.RWMutex
	buffers map[RoomID]*ringBuffer
}

// ringBuffer is a fixed-size circular buffer of Message.
type ringBuffer struct {
	items []Message
	pos   int
	count int
}

// NewRegistry creates a Registry with an empty buffer for every room.
func NewRegistry() *Registry {
	r := &Registry{buffers: make(map[RoomID]*ringBuffer, len(Rooms))}
	for _, id := range Rooms {
		r.buffers[id] = &ringBuffer{items: make([]Message, HistoryLimit)}
	}
	return r
}

// Append adds msg to the tail of room's history. Once the buffer holds
// HistoryLimit messages the oldest one is overwritten.
func (r *Registry) Append(room RoomID, msg Message) {
	room = Normalize(string(room))

	r.mu.Lock()
	defer r.mu.Unlock()

	rb := r.buffers[room]
	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % HistoryLimit
	if rb.count < HistoryLimit {
		rb.count++
	}
}

// History returns a copy of room's messages, oldest first. It never returns
// nil.
func (r *Registry) History(room RoomID) []Message {
	room = Normalize(string(room))

	r.mu.RLock()
	defer r.mu.RUnlock()

	rb := r.buffers[room]
	result := make([]Message, rb.count)
	// The oldest message sits at (pos - count) mod HistoryLimit.
	start := (rb.pos - rb.count + HistoryLimit) % HistoryLimit
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%HistoryLimit]
	}
	return result
}

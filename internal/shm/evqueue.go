package shm

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Event categories. A segment carries a mask of the categories it accepts.
const (
	CatSystem   uint8 = 1 << 0
	CatTarget   uint8 = 1 << 1
	CatExternal uint8 = 1 << 2

	MaskAll = CatSystem | CatTarget | CatExternal
)

// Target event kinds delivered to the child over the out queue.
const (
	EvExit uint8 = iota + 1
	EvPause
	EvResume
	EvNewSegment // a subsegment key follows in the payload
	EvFDTransfer // a descriptor rides the control socket alongside
	EvDisplayHint
)

// EventSize is the fixed wire size of one event slot in the ring.
const EventSize = 64

// QueueDepth is the slot count of each ring. Power of two.
const QueueDepth = 64

const ringCtrl = 8 // head + tail words
const ringBytes = ringCtrl + EventSize*QueueDepth

// Event is one fixed-size entry in a shared ring.
type Event struct {
	Category uint8
	Kind     uint8
	Tag      uint32
	Data     [56]byte
}

// NewSegmentEvent builds the event announcing a freshly brokered subsegment.
func NewSegmentEvent(key string, tag uint32) Event {
	ev := Event{Category: CatTarget, Kind: EvNewSegment, Tag: tag}
	copy(ev.Data[:], key)
	return ev
}

// SegmentKey extracts the key carried by a NewSegment event.
func (ev *Event) SegmentKey() string {
	n := 0
	for n < len(ev.Data) && ev.Data[n] != 0 {
		n++
	}
	return string(ev.Data[:n])
}

// EventQueue is a bounded single-producer single-consumer ring living inside
// the shared page. Head and tail are free-running counters; the producer owns
// tail, the consumer owns head. No Go-heap state: a queue handle can be
// rebuilt from the page at any time.
type EventQueue struct {
	mem []byte
}

func (p *Page) ring(ofs uint32) *EventQueue {
	return &EventQueue{mem: p.mem[ofs : ofs+ringBytes]}
}

func (q *EventQueue) head() *uint32 {
	return (*uint32)(unsafe.Pointer(&q.mem[0]))
}

func (q *EventQueue) tail() *uint32 {
	return (*uint32)(unsafe.Pointer(&q.mem[4]))
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return int(atomic.LoadUint32(q.tail()) - atomic.LoadUint32(q.head()))
}

// Enqueue appends an event. Returns false when the ring is full.
func (q *EventQueue) Enqueue(ev Event) bool {
	head := atomic.LoadUint32(q.head())
	tail := atomic.LoadUint32(q.tail())
	if tail-head >= QueueDepth {
		return false
	}
	slot := q.mem[ringCtrl+int(tail%QueueDepth)*EventSize:]
	slot[0] = ev.Category
	slot[1] = ev.Kind
	binary.LittleEndian.PutUint32(slot[4:], ev.Tag)
	copy(slot[8:EventSize], ev.Data[:])
	atomic.StoreUint32(q.tail(), tail+1)
	return true
}

// Dequeue removes the oldest event. Returns false when the ring is empty.
func (q *EventQueue) Dequeue() (Event, bool) {
	head := atomic.LoadUint32(q.head())
	tail := atomic.LoadUint32(q.tail())
	if head == tail {
		return Event{}, false
	}
	slot := q.mem[ringCtrl+int(head%QueueDepth)*EventSize:]
	var ev Event
	ev.Category = slot[0]
	ev.Kind = slot[1]
	ev.Tag = binary.LittleEndian.Uint32(slot[4:])
	copy(ev.Data[:], slot[8:EventSize])
	atomic.StoreUint32(q.head(), head+1)
	return ev, true
}

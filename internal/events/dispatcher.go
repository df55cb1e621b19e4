// Package events is the in-process publish/subscribe registry shared by the
// connection layer, the call controller and UI listeners.
//
// Delivery is synchronous: Publish runs every handler registered for the event
// name, in registration order, before returning. Nothing is ordered across
// different event names.
package events

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/rtcomm/internal/util"
)

// failureLogCap is how many handler failures Failures() remembers.
const failureLogCap = 64

// Event is one published occurrence.
type Event struct {
	Name string

	// ConnectionID is the transport connection the event arrived on.
	// Empty for locally originated events.
	ConnectionID string

	// Payload is either a Raw (still encoded, as received from the wire) or a
	// Go value published in-process.
	Payload any
}

// Raw is an undecoded wire payload together with the codec that can decode it.
type Raw struct {
	Data      []byte
	Unmarshal func(data []byte, v any) error
}

// Decode unmarshals the event payload into v. Raw payloads go through their
// codec; in-process values are converted through JSON so listeners can use
// the same payload structs for both.
func (e Event) Decode(v any) error {
	switch p := e.Payload.(type) {
	case nil:
		return fmt.Errorf("event %s: empty payload", e.Name)
	case Raw:
		if len(p.Data) == 0 {
			return fmt.Errorf("event %s: empty payload", e.Name)
		}
		unmarshal := p.Unmarshal
		if unmarshal == nil {
			unmarshal = json.Unmarshal
		}
		return unmarshal(p.Data, v)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("event %s: %w", e.Name, err)
		}
		return json.Unmarshal(b, v)
	}
}

// Listener is a registrable handle. Identity is the pointer: registering the
// same *Listener twice for one event stores it once.
type Listener struct {
	fn func(Event) error
}

// Listen wraps fn in a new Listener handle.
func Listen(fn func(Event) error) *Listener {
	return &Listener{fn: fn}
}

// ListenFunc wraps a handler that cannot fail.
func ListenFunc(fn func(Event)) *Listener {
	return &Listener{fn: func(e Event) error {
		fn(e)
		return nil
	}}
}

// Failure records one handler that returned an error or panicked.
type Failure struct {
	Event string
	Err   error
	At    time.Time
}

// Dispatcher maps event names to ordered sets of listeners.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]*handlerSet

	failures *util.RingBuffer[Failure]
}

type handlerSet struct {
	order *list.List // of *Listener, registration order
	index map[*Listener]*list.Element
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]*handlerSet),
		failures: util.NewRingBuffer[Failure](failureLogCap),
	}
}

// On registers l for event. Registering a listener that is already present
// for the event is a no-op. Returns true when l was added.
func (d *Dispatcher) On(event string, l *Listener) bool {
	if l == nil || l.fn == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	hs, ok := d.handlers[event]
	if !ok {
		hs = &handlerSet{order: list.New(), index: make(map[*Listener]*list.Element)}
		d.handlers[event] = hs
	}
	if _, dup := hs.index[l]; dup {
		return false
	}
	hs.index[l] = hs.order.PushBack(l)
	return true
}

// Off removes l from event. A nil l removes every listener for event.
// Returns the number of entries removed.
func (d *Dispatcher) Off(event string, l *Listener) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	hs, ok := d.handlers[event]
	if !ok {
		return 0
	}
	if l == nil {
		n := hs.order.Len()
		delete(d.handlers, event)
		return n
	}
	el, ok := hs.index[l]
	if !ok {
		return 0
	}
	hs.order.Remove(el)
	delete(hs.index, l)
	if hs.order.Len() == 0 {
		delete(d.handlers, event)
	}
	return 1
}

// Reset removes every listener for every event.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.handlers = make(map[string]*handlerSet)
	d.mu.Unlock()
}

// Count returns how many listeners are registered for event.
func (d *Dispatcher) Count(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if hs, ok := d.handlers[event]; ok {
		return hs.order.Len()
	}
	return 0
}

// Publish delivers e to every listener registered for e.Name, in
// registration order. The listener set is snapshotted first, so handlers may
// register or remove listeners without affecting this delivery. A failing
// handler is logged and recorded; the remaining handlers still run.
// Returns the number of handlers invoked.
func (d *Dispatcher) Publish(e Event) int {
	d.mu.RLock()
	hs, ok := d.handlers[e.Name]
	var snapshot []*Listener
	if ok {
		snapshot = make([]*Listener, 0, hs.order.Len())
		for el := hs.order.Front(); el != nil; el = el.Next() {
			snapshot = append(snapshot, el.Value.(*Listener))
		}
	}
	d.mu.RUnlock()

	for _, l := range snapshot {
		if err := d.invoke(l, e); err != nil {
			log.Printf("EVENTS: handler for %s failed: %v", e.Name, err)
			d.failures.Push(Failure{Event: e.Name, Err: err, At: time.Now()})
		}
	}
	return len(snapshot)
}

// Emit is shorthand for publishing a local event with a Go payload.
func (d *Dispatcher) Emit(name string, payload any) int {
	return d.Publish(Event{Name: name, Payload: payload})
}

// Failures returns the most recent handler failures, oldest first.
func (d *Dispatcher) Failures() []Failure {
	return d.failures.Snapshot()
}

func (d *Dispatcher) invoke(l *Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.fn(e)
}

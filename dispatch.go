package eventsource

import (
	"fmt"
	"sync"
)

// ============================================================================
// Listener types
// ============================================================================

// Listener receives decoded event records for one event type.
type Listener func(Event)

// OpenListener receives the response metadata of each successful attempt.
type OpenListener func(ConnectionStatus)

// ErrorListener receives connection-level failures. Every reported error is
// non-fatal; the source has already scheduled the next attempt.
type ErrorListener func(error)

// ============================================================================
// Dispatcher
// ============================================================================

// dispatcher routes notifications to registered listeners. Event records are
// delivered synchronously and in order, so a listener that closes the source
// stops delivery of the records behind it in the same batch. A panicking
// listener never disturbs its siblings or the connection: the panic is
// recovered and handed to the report hook outside the current call stack.
type dispatcher struct {
	mu      sync.RWMutex
	nextID  uint64
	byType  map[string][]registration
	onOpen  []openRegistration
	onError []errorRegistration

	primaryOpen    OpenListener
	primaryMessage Listener
	primaryError   ErrorListener

	report func(error) // invoked on its own goroutine
}

type registration struct {
	id uint64
	fn Listener
}

type openRegistration struct {
	id uint64
	fn OpenListener
}

type errorRegistration struct {
	id uint64
	fn ErrorListener
}

func newDispatcher(report func(error)) *dispatcher {
	return &dispatcher{
		byType: make(map[string][]registration),
		report: report,
	}
}

// ----------------------------------------------------------------------------
// Registration
// ----------------------------------------------------------------------------

func (d *dispatcher) addListener(eventType string, fn Listener) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.byType[eventType] = append(d.byType[eventType], registration{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		regs := d.byType[eventType]
		for i, r := range regs {
			if r.id == id {
				d.byType[eventType] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) addOpenListener(fn OpenListener) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onOpen = append(d.onOpen, openRegistration{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, r := range d.onOpen {
			if r.id == id {
				d.onOpen = append(d.onOpen[:i:i], d.onOpen[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) addErrorListener(fn ErrorListener) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onError = append(d.onError, errorRegistration{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, r := range d.onError {
			if r.id == id {
				d.onError = append(d.onError[:i:i], d.onError[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) setPrimaryOpen(fn OpenListener) {
	d.mu.Lock()
	d.primaryOpen = fn
	d.mu.Unlock()
}

func (d *dispatcher) setPrimaryMessage(fn Listener) {
	d.mu.Lock()
	d.primaryMessage = fn
	d.mu.Unlock()
}

func (d *dispatcher) setPrimaryError(fn ErrorListener) {
	d.mu.Lock()
	d.primaryError = fn
	d.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Delivery
// ----------------------------------------------------------------------------

func (d *dispatcher) dispatchEvent(e Event) {
	d.mu.RLock()
	var primary Listener
	if e.Type == "message" {
		primary = d.primaryMessage
	}
	regs := append([]registration(nil), d.byType[e.Type]...)
	d.mu.RUnlock()

	if primary != nil {
		d.invoke(func() { primary(e) })
	}
	for _, r := range regs {
		fn := r.fn
		d.invoke(func() { fn(e) })
	}
}

func (d *dispatcher) dispatchOpen(status ConnectionStatus) {
	d.mu.RLock()
	primary := d.primaryOpen
	regs := append([]openRegistration(nil), d.onOpen...)
	d.mu.RUnlock()

	if primary != nil {
		d.invoke(func() { primary(status) })
	}
	for _, r := range regs {
		fn := r.fn
		d.invoke(func() { fn(status) })
	}
}

func (d *dispatcher) dispatchError(err error) {
	d.mu.RLock()
	primary := d.primaryError
	regs := append([]errorRegistration(nil), d.onError...)
	d.mu.RUnlock()

	if primary != nil {
		d.invoke(func() { primary(err) })
	}
	for _, r := range regs {
		fn := r.fn
		d.invoke(func() { fn(err) })
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("eventsource: listener panic: %v", r)
			go d.report(err)
		}
	}()
	fn()
}

// Package dispatcher implements the in-process event fan-out described in
// spec §4.6: registration by exact normalized event type plus a global
// "all events" channel, concurrent invocation with error isolation, and a
// batch summary method that never affects the primary dispatch contract.
package dispatcher

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"paytruth.engine/internal/domain/entities"
)

// Payload is what every registered Handler receives.
type Payload struct {
	TransactionID uuid.UUID
	EventType     entities.NormalizedEventType
	Event         *entities.NormalizedEvent
	IsReplay      bool
}

// Handler processes one dispatched event. A Handler that panics is
// recovered and recorded as a failure; it never cancels its peers (spec
// §4.4 Stage 7, §4.6).
type Handler func(ctx context.Context, payload Payload) error

// Token identifies one registration, returned by Register/RegisterGlobal and
// consumed by Unregister.
type Token struct {
	key string
	id  uint64
}

type registration struct {
	id      uint64
	name    string
	handler Handler
}

// Outcome records one handler's result for one Dispatch call, the shape the
// caller persists as a DispatchLog row.
type Outcome struct {
	HandlerName string
	Err         error
}

// Summary tallies a Dispatch call's outcomes (spec §4.6 point 3,
// "DispatchSummary" per SPEC_FULL §4).
type Summary struct {
	Success int
	Failed  int
	Skipped int
}

// globalKey is never a valid normalized event type string, so it can share
// the same registration map as per-type registrations without colliding.
const globalKey = "\x00global"

// core is the shared, mutable registry. A Dispatcher and every Dispatcher
// derived from it via Scoped point at the same core, so registration and
// dispatch are always serialized against each other regardless of which
// namespace view performed the call. This is the core's one piece of
// process-wide shared mutable state (spec §5 "Shared state").
type core struct {
	mu     sync.RWMutex
	byKey  map[string][]registration
	nextID uint64
}

// Dispatcher is a namespaced view onto a shared core registry.
type Dispatcher struct {
	core      *core
	namespace string
}

// New builds an empty, unnamespaced Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{core: &core{byKey: make(map[string][]registration)}}
}

func (d *Dispatcher) namespaced(key string) string {
	if d.namespace == "" {
		return key
	}
	return d.namespace + ":" + key
}

func (d *Dispatcher) register(key, name string, handler Handler) Token {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.byKey[key] = append(c.byKey[key], registration{id: id, name: name, handler: handler})
	return Token{key: key, id: id}
}

// Register adds handler under name for eventType. Returns a Token usable
// with Unregister.
func (d *Dispatcher) Register(eventType entities.NormalizedEventType, name string, handler Handler) Token {
	return d.register(d.namespaced(string(eventType)), name, handler)
}

// RegisterGlobal adds handler under name for every event type dispatched
// through this Dispatcher (or its namespace, if scoped).
func (d *Dispatcher) RegisterGlobal(name string, handler Handler) Token {
	return d.register(d.namespaced(globalKey), name, handler)
}

// Unregister removes the registration identified by tok. A stale or unknown
// token is a no-op.
func (d *Dispatcher) Unregister(tok Token) {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if regs, ok := c.byKey[tok.key]; ok {
		c.byKey[tok.key] = removeByID(regs, tok.id)
	}
}

func removeByID(regs []registration, id uint64) []registration {
	out := regs[:0:0]
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// handlersFor resolves the union of event-specific and global handlers for
// eventType, taken under a read lock so concurrent Register/Unregister
// calls never race with Dispatch's iteration.
func (d *Dispatcher) handlersFor(eventType entities.NormalizedEventType) []registration {
	c := d.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	typeKey := d.namespaced(string(eventType))
	globalKey := d.namespaced(globalKey)
	out := make([]registration, 0, len(c.byKey[typeKey])+len(c.byKey[globalKey]))
	out = append(out, c.byKey[typeKey]...)
	out = append(out, c.byKey[globalKey]...)
	return out
}

// Dispatch invokes every handler registered for payload.EventType (plus
// every global handler) concurrently, waits for all to finish, and returns
// one Outcome per invocation. A handler error or panic never cancels its
// peers (spec §4.6 point 2).
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) []Outcome {
	handlers := d.handlersFor(payload.EventType)
	if len(handlers) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(handlers))
	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for i, reg := range handlers {
		go func(i int, reg registration) {
			defer wg.Done()
			outcomes[i] = Outcome{HandlerName: reg.name, Err: invoke(ctx, reg.handler, payload)}
		}(i, reg)
	}
	wg.Wait()
	return outcomes
}

// invoke runs handler, converting a panic into an error so one misbehaving
// handler can never take down the dispatch loop.
func invoke(ctx context.Context, handler Handler, payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return handler(ctx, payload)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return "dispatcher: handler panicked" }

// DispatchSummary runs Dispatch and tallies the outcomes into a Summary,
// used by ReplayEvents to report results without changing Dispatch's
// fire-and-log contract (SPEC_FULL §4).
func (d *Dispatcher) DispatchSummary(ctx context.Context, payload Payload) (Summary, []Outcome) {
	outcomes := d.Dispatch(ctx, payload)
	var s Summary
	if len(outcomes) == 0 {
		return Summary{Skipped: 1}, outcomes
	}
	for _, o := range outcomes {
		if o.Err != nil {
			s.Failed++
		} else {
			s.Success++
		}
	}
	return s, outcomes
}

// Scoped returns a derived Dispatcher that namespaces every registration
// under prefix, sharing its parent's registry and locking so registration
// and dispatch stay serialized across every namespace view; semantics are
// otherwise identical (SPEC_FULL §4, spec §4.6 "a scoped dispatcher may be
// derived").
func (d *Dispatcher) Scoped(prefix string) *Dispatcher {
	ns := prefix
	if d.namespace != "" {
		ns = d.namespace + "/" + prefix
	}
	return &Dispatcher{core: d.core, namespace: ns}
}

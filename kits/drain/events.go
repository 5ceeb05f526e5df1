package drain

import "sync"

// Events fans out the two lifecycle events of a Controller.
//
// "closing" fires once, on the Serving -> Draining transition. "close" fires
// once, on the Draining -> Closed transition, and carries the Outcome.
// A listener registered after an event has fired is called immediately with
// the recorded payload, so every listener observes each event exactly once.
type Events struct {
	mu      sync.Mutex
	nextID  uint64
	closing map[uint64]func()
	close   map[uint64]func(Outcome)

	closingFired bool
	closeFired   bool
	outcome      Outcome
}

// OnClosing registers fn for the "closing" event. The returned func removes
// the listener; it is safe to call more than once.
func (e *Events) OnClosing(fn func()) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	if e.closingFired {
		e.mu.Unlock()
		fn()
		return func() {}
	}
	if e.closing == nil {
		e.closing = make(map[uint64]func())
	}
	id := e.nextID
	e.nextID++
	e.closing[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.closing, id)
		e.mu.Unlock()
	}
}

// OnClose registers fn for the "close" event. The returned func removes the
// listener; it is safe to call more than once.
func (e *Events) OnClose(fn func(Outcome)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	if e.closeFired {
		o := e.outcome
		e.mu.Unlock()
		fn(o)
		return func() {}
	}
	if e.close == nil {
		e.close = make(map[uint64]func(Outcome))
	}
	id := e.nextID
	e.nextID++
	e.close[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.close, id)
		e.mu.Unlock()
	}
}

func (e *Events) emitClosing() {
	e.mu.Lock()
	if e.closingFired {
		e.mu.Unlock()
		return
	}
	e.closingFired = true
	fns := make([]func(), 0, len(e.closing))
	for _, fn := range e.closing {
		fns = append(fns, fn)
	}
	e.closing = nil
	e.mu.Unlock()

	var first any
	for _, fn := range fns {
		if r := guard(fn); r != nil && first == nil {
			first = r
		}
	}
	if first != nil {
		panic(first)
	}
}

func (e *Events) emitClose(o Outcome) {
	e.mu.Lock()
	if e.closeFired {
		e.mu.Unlock()
		return
	}
	e.closeFired = true
	e.outcome = o
	fns := make([]func(Outcome), 0, len(e.close))
	for _, fn := range e.close {
		fns = append(fns, fn)
	}
	e.close = nil
	e.mu.Unlock()

	var first any
	for _, fn := range fns {
		if r := guard(func() { fn(o) }); r != nil && first == nil {
			first = r
		}
	}
	if first != nil {
		panic(first)
	}
}

// guard runs fn and returns what it panicked with, if anything.
func guard(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}

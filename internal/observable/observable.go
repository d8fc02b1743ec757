// Package observable provides the callback streams partitions publish
// their notifications on.
//
// Handlers run synchronously in registration order on the goroutine that
// calls Next. Unsubscribing from inside a handler is allowed and takes
// effect immediately: an unsubscribed handler is never called again, even
// for a value that is currently being delivered.
package observable

import "sync"

// Observable is a stream of values of type T.
type Observable[T any] interface {
	Subscribe(fn func(T)) Subscription
}

// Subscription cancels a registration.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() { f() }

type handler[T any] struct {
	fn     func(T)
	active bool
}

// Subject is a multicast Observable fed by Next.
type Subject[T any] struct {
	mu       sync.Mutex
	handlers []*handler[T]
	done     bool
}

// NewSubject creates an empty subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Subscribe registers fn. Subscribing to a completed subject returns a
// subscription that does nothing.
func (s *Subject[T]) Subscribe(fn func(T)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return SubscriptionFunc(func() {})
	}
	h := &handler[T]{fn: fn, active: true}
	s.handlers = append(s.handlers, h)
	return SubscriptionFunc(func() { s.remove(h) })
}

func (s *Subject[T]) remove(h *handler[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.active = false
	for i, cur := range s.handlers {
		if cur == h {
			next := make([]*handler[T], 0, len(s.handlers)-1)
			next = append(next, s.handlers[:i]...)
			s.handlers = append(next, s.handlers[i+1:]...)
			return
		}
	}
}

// Next delivers v to every active handler.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	hs := s.handlers
	s.mu.Unlock()

	for _, h := range hs {
		s.mu.Lock()
		active := h.active
		s.mu.Unlock()
		if active {
			h.fn(v)
		}
	}
}

// Complete drops every handler. Later calls to Next are ignored.
func (s *Subject[T]) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.handlers {
		h.active = false
	}
	s.handlers = nil
	s.done = true
}

// Observed reports whether the subject has at least one handler.
func (s *Subject[T]) Observed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers) > 0
}

// Behavior is a Subject that remembers its latest value and replays it to
// new subscribers.
type Behavior[T any] struct {
	Subject[T]
	vmu   sync.Mutex
	value T
}

// NewBehavior creates a behavior holding initial.
func NewBehavior[T any](initial T) *Behavior[T] {
	return &Behavior[T]{value: initial}
}

// Subscribe registers fn and calls it with the current value.
func (b *Behavior[T]) Subscribe(fn func(T)) Subscription {
	sub := b.Subject.Subscribe(fn)
	fn(b.Value())
	return sub
}

// Next stores v and delivers it.
func (b *Behavior[T]) Next(v T) {
	b.vmu.Lock()
	b.value = v
	b.vmu.Unlock()
	b.Subject.Next(v)
}

// Value returns the latest value.
func (b *Behavior[T]) Value() T {
	b.vmu.Lock()
	defer b.vmu.Unlock()
	return b.value
}

// Func adapts a subscribe function to Observable.
type Func[T any] func(fn func(T)) Subscription

// Subscribe calls f.
func (f Func[T]) Subscribe(fn func(T)) Subscription { return f(fn) }

// StartWith returns an Observable that first delivers the value produced by
// initial, when ok is true, and then every value of src.
func StartWith[T any](src Observable[T], initial func() (T, bool)) Observable[T] {
	return Func[T](func(fn func(T)) Subscription {
		if v, ok := initial(); ok {
			fn(v)
		}
		return src.Subscribe(fn)
	})
}

// Group collects subscriptions and releases them together.
type Group struct {
	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

// Add registers sub with the group. Adding to a closed group unsubscribes
// sub immediately.
func (g *Group) Add(subs ...Subscription) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}
		return
	}
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

// Unsubscribe releases every subscription in reverse order of addition.
func (g *Group) Unsubscribe() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Unsubscribe()
	}
}

// Closed reports whether Unsubscribe was called.
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

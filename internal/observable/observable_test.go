package observable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject_DeliversInRegistrationOrder(t *testing.T) {
	s := NewSubject[int]()

	var got []string
	s.Subscribe(func(v int) { got = append(got, "a") })
	s.Subscribe(func(v int) { got = append(got, "b") })
	s.Next(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSubject_UnsubscribeInsideHandler(t *testing.T) {
	s := NewSubject[int]()

	var first, second []int
	var sub2 Subscription
	s.Subscribe(func(v int) {
		first = append(first, v)
		sub2.Unsubscribe()
	})
	sub2 = s.Subscribe(func(v int) { second = append(second, v) })

	s.Next(1)
	s.Next(2)

	assert.Equal(t, []int{1, 2}, first)
	assert.Empty(t, second, "handler unsubscribed during delivery must not run")
}

func TestSubject_SelfUnsubscribe(t *testing.T) {
	s := NewSubject[int]()

	var got []int
	var sub Subscription
	sub = s.Subscribe(func(v int) {
		got = append(got, v)
		sub.Unsubscribe()
	})

	s.Next(1)
	s.Next(2)

	assert.Equal(t, []int{1}, got)
	assert.False(t, s.Observed())
}

func TestSubject_CompleteStopsDelivery(t *testing.T) {
	s := NewSubject[int]()

	calls := 0
	s.Subscribe(func(int) { calls++ })
	s.Complete()
	s.Next(1)
	s.Subscribe(func(int) { calls++ }).Unsubscribe()
	s.Next(2)

	assert.Equal(t, 0, calls)
}

func TestBehavior_ReplaysLatest(t *testing.T) {
	b := NewBehavior("init")

	var got []string
	b.Next("second")
	b.Subscribe(func(v string) { got = append(got, v) })
	b.Next("third")

	assert.Equal(t, []string{"second", "third"}, got)
	assert.Equal(t, "third", b.Value())
}

func TestStartWith(t *testing.T) {
	s := NewSubject[int]()

	var got []int
	StartWith[int](s, func() (int, bool) { return 10, true }).Subscribe(func(v int) { got = append(got, v) })
	StartWith[int](s, func() (int, bool) { return 20, false }).Subscribe(func(v int) { got = append(got, v*100) })
	s.Next(1)

	assert.Equal(t, []int{10, 1, 100}, got)
}

func TestGroup_UnsubscribesAll(t *testing.T) {
	var g Group
	var order []int
	g.Add(SubscriptionFunc(func() { order = append(order, 1) }))
	g.Add(SubscriptionFunc(func() { order = append(order, 2) }))

	g.Unsubscribe()
	g.Unsubscribe()
	assert.Equal(t, []int{2, 1}, order)
	assert.True(t, g.Closed())

	g.Add(SubscriptionFunc(func() { order = append(order, 3) }))
	assert.Equal(t, []int{2, 1, 3}, order)
}

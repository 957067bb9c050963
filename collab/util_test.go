package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	assert.Equal(t, len(callbacks.Get()), 0)

	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	// insertion order
	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 2, 3})

	callbacks.Remove(bId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 3})

	// removing twice is a no-op
	callbacks.Remove(bId)
	assert.Equal(t, callbacks.Len(), 2)

	callbacks.Remove(aId)
	assert.Equal(t, callbacks.Len(), 1)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("channel closed before notify")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	default:
		t.Fatal("channel not closed after notify")
	}

	// a new channel arms the next wait
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("next channel closed without notify")
	default:
	}
}

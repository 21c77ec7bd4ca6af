package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	tasks, unsubTasks := b.Subscribe(4, "task.")
	defer unsubTasks()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "task.completed", Data: "x"})
	b.Publish(Event{Type: "module.failed"})

	e := <-tasks
	assert.Equal(t, "task.completed", e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, tasks, 0)
	assert.Len(t, all, 2)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}

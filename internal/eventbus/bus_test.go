package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	ran, unsubRan := b.Subscribe(4, TaskRan)
	defer unsubAll()
	defer unsubRan()

	b.Publish(Event{Type: TasksRefreshed, Data: Refreshed{Count: 3}})
	b.Publish(Event{Type: TaskRan, Data: Ran{Label: "x", ExitCode: 1}})

	require.Len(t, all, 2)
	require.Len(t, ran, 1)
	e := <-ran
	require.Equal(t, TaskRan, e.Type)
	require.False(t, e.Time.IsZero())
	require.Equal(t, 1, e.Data.(Ran).ExitCode)
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TaskChanged})
	b.Publish(Event{Type: TaskChanged})
	require.Len(t, ch, 1)

	unsub()
	unsub()
	b.Publish(Event{Type: TaskChanged})
	_, open := <-ch
	require.True(t, open)
	_, open = <-ch
	require.False(t, open)
}

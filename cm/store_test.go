package cm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/scr/filter"
)

func TestMemoryStore_UpdateAndList(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Update("com.acme.Greeter", map[string]any{"greeting": "hello"}))
	pid, err := s.CreateFactoryConfiguration("com.acme.Worker", "a", map[string]any{"size": 1})
	require.NoError(t, err)
	assert.Equal(t, "com.acme.Worker~a", pid)

	all, err := s.ListConfigurations(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "com.acme.Greeter", all[0].PID)
	assert.False(t, all[0].IsFactory())
	assert.Equal(t, "com.acme.Greeter", all[0].Properties[PropertyPID])
	assert.True(t, all[1].IsFactory())
	assert.Equal(t, "com.acme.Worker", all[1].Properties[PropertyFactoryPID])

	byFactory, err := s.ListConfigurations(filter.Equal(PropertyFactoryPID, "com.acme.Worker"))
	require.NoError(t, err)
	require.Len(t, byFactory, 1)
	assert.Equal(t, pid, byFactory[0].PID)

	// Mutating a snapshot leaves the store untouched.
	all[0].Properties["greeting"] = "changed"
	got, ok := s.Get("com.acme.Greeter")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Properties["greeting"])
}

func TestMemoryStore_InvalidPIDs(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Update("", nil), ErrInvalidPID)
	assert.ErrorIs(t, s.Update("a~b", nil), ErrInvalidPID)
	_, err := s.CreateFactoryConfiguration("", "x", nil)
	assert.ErrorIs(t, err, ErrInvalidPID)
	assert.ErrorIs(t, s.Delete("missing"), ErrConfigurationNotFound)
}

func TestMemoryStore_GeneratedFactoryName(t *testing.T) {
	s := NewMemoryStore()
	a, err := s.CreateFactoryConfiguration("f", "", nil)
	require.NoError(t, err)
	b, err := s.CreateFactoryConfiguration("f", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, s.PIDs(), 2)
}

func TestMemoryStore_Events(t *testing.T) {
	s := NewMemoryStore()

	var events []Event
	cancel := s.Listen(func(ev Event) { events = append(events, ev) })

	require.NoError(t, s.Update("p", map[string]any{"a": 1}))
	require.NoError(t, s.Update("p", map[string]any{"a": 1})) // identical, no event
	require.NoError(t, s.Update("p", map[string]any{"a": 2}))
	require.NoError(t, s.Delete("p"))

	require.Len(t, events, 3)
	assert.Equal(t, EventUpdated, events[0].Type)
	assert.Equal(t, 1, events[0].Properties["a"])
	assert.Equal(t, 2, events[1].Properties["a"])
	assert.Equal(t, EventDeleted, events[2].Type)
	assert.Nil(t, events[2].Properties)

	cancel()
	require.NoError(t, s.Update("q", nil))
	assert.Len(t, events, 3)
}

func TestMemoryStore_RevisionIncreases(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Update("p", map[string]any{"a": 1}))
	first, _ := s.Get("p")
	require.NoError(t, s.Update("p", map[string]any{"a": 2}))
	second, _ := s.Get("p")
	assert.Greater(t, second.Revision, first.Revision)
}

func TestMemoryStore_ReadAuthorizer(t *testing.T) {
	denied := errors.New("no read access")
	s := NewMemoryStore(WithReadAuthorizer(func(pid string) error {
		if pid == "secret" {
			return denied
		}
		return nil
	}))
	require.NoError(t, s.Update("open", nil))
	require.NoError(t, s.Update("secret", nil))

	_, err := s.ListConfigurations(filter.Equal(PropertyPID, "secret"))
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, err, denied)

	open, err := s.ListConfigurations(filter.Equal(PropertyPID, "open"))
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMemoryStore_AsyncDelivery(t *testing.T) {
	s := NewMemoryStore(WithAsyncDelivery(8))

	var mu sync.Mutex
	var pids []string
	s.Listen(func(ev Event) {
		mu.Lock()
		pids = append(pids, ev.PID)
		mu.Unlock()
	})

	require.NoError(t, s.Update("a", nil))
	require.NoError(t, s.Update("b", nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pids) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Update("c", nil), ErrStoreClosed)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, pids)
	mu.Unlock()
}

func TestMemoryStore_DeleteAfterClose(t *testing.T) {
	s := NewMemoryStore(WithAsyncDelivery(1))
	pids := []string{"a", "b", "c"}
	for _, pid := range pids {
		require.NoError(t, s.Update(pid, nil))
	}
	require.NoError(t, s.Close())

	done := make(chan error, 1)
	go func() {
		var errs error
		for _, pid := range pids {
			errs = errors.Join(errs, s.Delete(pid))
		}
		done <- errs
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStoreClosed)
	case <-time.After(time.Second):
		t.Fatal("Delete blocked on a closed store")
	}
	_, ok := s.Get("a")
	assert.True(t, ok, "closed store keeps its configurations")
}

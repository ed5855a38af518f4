package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/copypaste/relay-server-go/internal/errors"
	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/protocol"
)

type fakeConn struct {
	id string
}

func (c *fakeConn) ID() string                            { return c.id }
func (c *fakeConn) RemoteAddr() string                    { return "127.0.0.1" }
func (c *fakeConn) Emit(event protocol.Event, args ...any) {}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(time.Minute)
	conn := &fakeConn{id: "conn-1"}

	d := r.Register(conn)

	assert.NotEmpty(t, d.ID())
	assert.True(t, d.Online())
	assert.Equal(t, model.RoleUnset, d.Role())
	assert.Empty(t, d.PairID())

	found, ok := r.FindByConnection(conn)
	require.True(t, ok)
	assert.Same(t, d, found)

	found, ok = r.FindByDeviceID(d.ID())
	require.True(t, ok)
	assert.Same(t, d, found)

	_, ok = r.FindOfflineByDeviceID(d.ID())
	assert.False(t, ok)
}

func TestRegistry_Unregister(t *testing.T) {
	t.Run("parks device offline", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		conn := &fakeConn{id: "conn-1"}
		d := r.Register(conn)

		assert.True(t, r.Unregister(conn))

		assert.False(t, d.Online())
		_, ok := r.FindByConnection(conn)
		assert.False(t, ok)

		offline, ok := r.FindOfflineByDeviceID(d.ID())
		require.True(t, ok)
		assert.Same(t, d, offline)
	})

	t.Run("unknown connection is a no-op", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		assert.False(t, r.Unregister(&fakeConn{id: "nope"}))
	})

	t.Run("second unregister is a no-op", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		conn := &fakeConn{id: "conn-1"}
		r.Register(conn)

		assert.True(t, r.Unregister(conn))
		assert.False(t, r.Unregister(conn))
	})

	t.Run("prunes after grace period", func(t *testing.T) {
		r := NewRegistry(10 * time.Millisecond)
		var removed atomic.Int32
		r.OnRemove(func(*Device) { removed.Add(1) })

		conn := &fakeConn{id: "conn-1"}
		d := r.Register(conn)
		r.Unregister(conn)

		// The hook runs after the record leaves the table, so wait on both.
		assert.Eventually(t, func() bool {
			_, ok := r.FindByDeviceID(d.ID())
			return !ok && removed.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestRegistry_RestoreAndMerge(t *testing.T) {
	t.Run("transplants identity onto new connection", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		oldConn := &fakeConn{id: "conn-old"}
		original := r.Register(oldConn)
		require.True(t, original.Claim("pair-1", model.RoleSecondary))
		r.Unregister(oldConn)

		newConn := &fakeConn{id: "conn-new"}
		fresh := r.Register(newConn)

		merged, err := r.RestoreAndMerge(original, fresh)
		require.NoError(t, err)

		assert.Equal(t, original.ID(), merged.ID())
		assert.Equal(t, "pair-1", merged.PairID())
		assert.Equal(t, model.RoleSecondary, merged.Role())
		assert.Equal(t, "conn-new", merged.ConnID())

		found, ok := r.FindByConnection(newConn)
		require.True(t, ok)
		assert.Same(t, merged, found)

		_, ok = r.FindByDeviceID(fresh.ID())
		assert.False(t, ok, "fresh record is dropped")
		_, ok = r.FindOfflineByDeviceID(original.ID())
		assert.False(t, ok, "offline record is consumed")
	})

	t.Run("cancels the grace timer", func(t *testing.T) {
		r := NewRegistry(time.Second)
		var removed atomic.Int32
		r.OnRemove(func(*Device) { removed.Add(1) })

		oldConn := &fakeConn{id: "conn-old"}
		original := r.Register(oldConn)
		r.Unregister(oldConn)
		fresh := r.Register(&fakeConn{id: "conn-new"})

		_, err := r.RestoreAndMerge(original, fresh)
		require.NoError(t, err)

		assert.Never(t, func() bool {
			_, ok := r.FindByDeviceID(original.ID())
			return !ok || removed.Load() != 0
		}, 1500*time.Millisecond, 50*time.Millisecond)
	})

	t.Run("fails for an online record", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		a := r.Register(&fakeConn{id: "a"})
		b := r.Register(&fakeConn{id: "b"})

		_, err := r.RestoreAndMerge(a, b)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceNotFound))
		assert.True(t, b.Online())
	})

	t.Run("second restore of the same record fails", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		oldConn := &fakeConn{id: "conn-old"}
		original := r.Register(oldConn)
		r.Unregister(oldConn)

		first := r.Register(&fakeConn{id: "conn-1"})
		second := r.Register(&fakeConn{id: "conn-2"})

		_, err := r.RestoreAndMerge(original, first)
		require.NoError(t, err)
		_, err = r.RestoreAndMerge(original, second)
		assert.Error(t, err)
		assert.Equal(t, "conn-1", original.ConnID())
	})

	t.Run("merging a paired fresh record runs the remove hook", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		var removedIDs []string
		r.OnRemove(func(d *Device) { removedIDs = append(removedIDs, d.ID()) })

		oldConn := &fakeConn{id: "conn-old"}
		original := r.Register(oldConn)
		r.Unregister(oldConn)
		fresh := r.Register(&fakeConn{id: "conn-new"})
		fresh.Claim("pair-fresh", model.RolePrimary)

		_, err := r.RestoreAndMerge(original, fresh)
		require.NoError(t, err)
		assert.Equal(t, []string{fresh.ID()}, removedIDs)
	})
}

func TestRegistry_RestoreRacesPrune(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := NewRegistry(time.Microsecond)
		var removed atomic.Int32
		r.OnRemove(func(*Device) { removed.Add(1) })

		oldConn := &fakeConn{id: fmt.Sprintf("old-%d", i)}
		original := r.Register(oldConn)
		fresh := r.Register(&fakeConn{id: fmt.Sprintf("new-%d", i)})
		r.Unregister(oldConn)

		merged, err := r.RestoreAndMerge(original, fresh)

		_, present := r.FindByDeviceID(original.ID())
		if err == nil {
			// A prune that fires after the restore returns without touching the record.
			assert.Same(t, original, merged)
			assert.True(t, present, "restored record must survive the timer")
			assert.True(t, original.Online())
			assert.Equal(t, int32(0), removed.Load())
		} else {
			assert.False(t, present, "pruned record must not come back")
			assert.Eventually(t, func() bool { return removed.Load() == 1 },
				time.Second, time.Millisecond, "remove hook runs once for the pruned record")
			assert.True(t, fresh.Online(), "failed restore leaves the fresh device intact")
		}
	}
}

func TestRegistry_OneConnectionPerDevice(t *testing.T) {
	r := NewRegistry(time.Minute)
	oldConn := &fakeConn{id: "conn-old"}
	original := r.Register(oldConn)
	r.Unregister(oldConn)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		fresh := r.Register(&fakeConn{id: fmt.Sprintf("conn-%d", i)})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RestoreAndMerge(original, fresh); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, original.Online())
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Register(&fakeConn{id: "a"})
	offConn := &fakeConn{id: "b"}
	r.Register(offConn)
	r.Unregister(offConn)

	assert.Equal(t, Stats{Online: 1, Offline: 1}, r.Stats())
}

func TestDevice_ClaimRelease(t *testing.T) {
	d := &Device{id: "d"}

	assert.True(t, d.Claim("p1", model.RolePrimary))
	assert.True(t, d.Claim("p1", model.RolePrimary))
	assert.False(t, d.Claim("p2", model.RoleSecondary))

	assert.False(t, d.Release("p2"))
	assert.True(t, d.Release("p1"))
	assert.Empty(t, d.PairID())
	assert.Equal(t, model.RoleUnset, d.Role())
}

package page

import (
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	assert.False(t, InvalidID.Valid())
	id := NewID(3, 3*Size+17)
	assert.True(t, id.Valid())
	assert.Equal(t, int64(3*Size), id.Offset)
	assert.Equal(t, "page(3:12288)", id.String())
	assert.Equal(t, int64(Size), Align(Size+Size-1))
}

func TestNewPageIsUnkeyed(t *testing.T) {
	p := New(make([]byte, Size))
	assert.False(t, p.ID().Valid())
	assert.True(t, p.Evictable())
	assert.Len(t, p.Data(), Size)
}

func TestEvictable(t *testing.T) {
	p := New(make([]byte, Size))

	p.IncRef()
	assert.False(t, p.Evictable(), "pinned")
	p.DecRef()
	assert.True(t, p.Evictable())

	for _, f := range []Flags{Dirty, IOPending, Writeback} {
		p.SetFlags(f)
		assert.False(t, p.Evictable(), "flag %#x", f)
		p.ClearFlags(f)
	}
	p.SetFlags(DataReady)
	assert.True(t, p.Evictable())
}

func TestFlagsMatch(t *testing.T) {
	p := New(nil)
	p.SetFlags(DataReady | Dirty)
	assert.True(t, p.Match(Dirty, Writeback))
	assert.False(t, p.Match(Dirty, DataReady))
	assert.True(t, p.IsDirty())

	p.SetDirty(false)
	assert.False(t, p.IsDirty())
	assert.True(t, p.IsReady())
}

func TestHitsSaturate(t *testing.T) {
	p := New(nil)
	saturated := false
	for i := 0; i < MaxHits; i++ {
		saturated = p.Hit()
	}
	assert.True(t, saturated)
	assert.Equal(t, MaxHits, p.Hits())
	assert.True(t, p.Hit())
	assert.Equal(t, MaxHits, p.Hits())

	p.SetHits(-4)
	assert.Equal(t, 0, p.Hits())
	p.SetHits(1000)
	assert.Equal(t, MaxHits, p.Hits())
}

func TestReset(t *testing.T) {
	p := New(nil)
	p.SetFlags(DataReady)
	p.SetHits(9)
	p.SetFlushScore(12)

	p.Reset(ID{FileID: 1, Offset: Size})
	assert.Equal(t, ID{FileID: 1, Offset: Size}, p.ID())
	assert.Zero(t, p.Hits())
	assert.Zero(t, p.FlushScore())
	assert.Zero(t, p.Flags())
}

func TestWaitIO(t *testing.T) {
	p := New(make([]byte, Size))
	p.BeginIO()
	assert.True(t, p.IsPending())

	const waiters = 4
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.WaitIO()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	p.FinishIO(nil)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, p.IsReady())
	assert.False(t, p.IsPending())
}

func TestWaitIOError(t *testing.T) {
	p := New(nil)
	p.BeginIO()
	boom := stderr.New("disk gone")
	go p.FinishIO(boom)

	require.ErrorIs(t, p.WaitIO(), boom)
	assert.False(t, p.IsReady())
}

func TestDirtyDuringWriteback(t *testing.T) {
	p := New(nil)
	assert.True(t, p.MarkDirty())
	assert.False(t, p.MarkDirty(), "already dirty")

	p.SetFlags(Writeback)
	p.MarkDirty()
	assert.True(t, p.EndWriteback(true), "write landed during writeback")
	assert.False(t, p.IsWriteback())
	assert.True(t, p.IsDirty())

	p.SetFlags(Writeback)
	assert.False(t, p.EndWriteback(true))
	assert.False(t, p.IsDirty())

	p.MarkDirty()
	p.SetFlags(Writeback)
	assert.True(t, p.EndWriteback(false), "failed write keeps the page dirty")
}

func TestTryBeginIO(t *testing.T) {
	p := New(nil)
	require.True(t, p.TryBeginIO())
	assert.False(t, p.TryBeginIO(), "read in flight")

	p.FinishIO(stderr.New("short read"))
	assert.True(t, p.TryBeginIO(), "failed read can be retried")
	p.FinishIO(nil)
	assert.False(t, p.TryBeginIO(), "data ready")
}

func TestSnapshotIsACopy(t *testing.T) {
	p := New(make([]byte, Size))
	assert.Equal(t, 3, p.CopyFrom(10, []byte("abc")))

	snap := p.Snapshot()
	assert.Equal(t, []byte("abc"), snap[10:13])
	p.CopyFrom(10, []byte("xyz"))
	assert.Equal(t, []byte("abc"), snap[10:13])
	assert.Equal(t, []byte("xyz"), p.Data()[10:13])
}

func TestSnapshotDuringCopy(t *testing.T) {
	p := New(make([]byte, Size))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			fill := make([]byte, Size)
			for j := range fill {
				fill[j] = byte(i)
			}
			p.CopyFrom(0, fill)
		}
	}()
	for i := 0; i < 200; i++ {
		snap := p.Snapshot()
		for _, b := range snap {
			require.Equal(t, snap[0], b, "torn snapshot")
		}
	}
	wg.Wait()
}

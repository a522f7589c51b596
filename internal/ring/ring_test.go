package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAssignsDenseSequences(t *testing.T) {
	r := New(10)
	assert.Equal(t, int64(0), r.LatestSeq())

	for i := 1; i <= 5; i++ {
		evt := r.Push(KindTrade, i)
		assert.Equal(t, int64(i), evt.Seq)
	}
	assert.Equal(t, int64(5), r.LatestSeq())
	assert.Equal(t, int64(1), r.Tail())
}

func TestListSinceReturnsOrderedWindow(t *testing.T) {
	r := New(100)
	for i := 1; i <= 20; i++ {
		r.Push(KindTrade, i)
	}

	evts := r.ListSince(15, 10)
	require.Len(t, evts, 5)
	for i, evt := range evts {
		assert.Equal(t, int64(16+i), evt.Seq)
	}

	// max caps the batch
	evts = r.ListSince(0, 3)
	require.Len(t, evts, 3)
	assert.Equal(t, int64(1), evts[0].Seq)
	assert.Equal(t, int64(3), evts[2].Seq)

	// caught-up cursor yields nothing
	assert.Empty(t, r.ListSince(20, 10))
	assert.Empty(t, r.ListSince(25, 10))
}

func TestOverflowDropsOldest(t *testing.T) {
	r := New(5)
	for i := 1; i <= 12; i++ {
		r.Push(KindTrade, i)
	}

	assert.Equal(t, int64(12), r.LatestSeq())
	assert.Equal(t, int64(8), r.Tail())

	// Cursor below tail backfills from tail
	evts := r.ListSince(0, 100)
	require.Len(t, evts, 5)
	assert.Equal(t, int64(8), evts[0].Seq)
	assert.Equal(t, int64(12), evts[4].Seq)
}

func TestConcurrentReadersDoNotBreakMonotonicity(t *testing.T) {
	r := New(64)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			r.Push(KindTrade, i)
		}
		close(done)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cursor int64
			for {
				evts := r.ListSince(cursor, 50)
				for _, evt := range evts {
					if evt.Seq <= cursor {
						t.Errorf("sequence went backwards: %d after %d", evt.Seq, cursor)
						return
					}
					cursor = evt.Seq
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(5000), r.LatestSeq())
}

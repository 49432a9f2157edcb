package logtail

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBufferKeepsMostRecentLines(t *testing.T) {
	for _, total := range []int{0, 1, 4, 5, 6, 17} {
		t.Run(fmt.Sprintf("appends=%d", total), func(t *testing.T) {
			const c = 5
			b := NewBuffer(c)
			for i := 0; i < total; i++ {
				b.Append(fmt.Sprintf("line-%d", i))
				require.LessOrEqual(t, b.Len(), c)
			}
			want := []string{}
			for i := max(0, total-c); i < total; i++ {
				want = append(want, fmt.Sprintf("line-%d", i))
			}
			assert.Equal(t, want, b.Snapshot())
		})
	}
}

func TestBufferDefaultsAndReset(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, DefaultCapacity, b.Cap())
	b.Append("x")
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	bc := NewBroadcaster(16)
	s1, ok := bc.Subscribe()
	require.True(t, ok)
	s2, ok := bc.Subscribe()
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		delivered, dropped := bc.Publish(fmt.Sprintf("l%d", i))
		assert.Equal(t, 2, delivered)
		assert.Zero(t, dropped)
	}
	bc.CloseAll()

	for _, s := range []*Subscription{s1, s2} {
		var got []string
		for l := range s.Lines() {
			got = append(got, l)
		}
		assert.Equal(t, []string{"l0", "l1", "l2"}, got)
	}
}

func TestBroadcasterSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	bc := NewBroadcaster(1)
	slow, _ := bc.Subscribe()
	fast, _ := bc.Subscribe()
	defer slow.Close()
	defer fast.Close()

	bc.Publish("a")
	<-fast.Lines()
	delivered, dropped := bc.Publish("b")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, dropped)

	assert.Equal(t, uint64(1), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, "b", <-fast.Lines())
	assert.Equal(t, "a", <-slow.Lines())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bc := NewBroadcaster(4)
	s, _ := bc.Subscribe()
	s.Close()
	s.Close()
	assert.Equal(t, 0, bc.Len())
	_, open := <-s.Lines()
	assert.False(t, open)

	bc.CloseAll()
	s.Close()
	_, ok := bc.Subscribe()
	assert.False(t, ok)
}

func TestTailSubscribeReplaysBacklogThenLive(t *testing.T) {
	tl := New(3, 16)
	for i := 0; i < 5; i++ {
		tl.Write(fmt.Sprintf("old-%d", i))
	}
	sub, backlog, ok := tl.Subscribe()
	require.True(t, ok)
	assert.Equal(t, []string{"old-2", "old-3", "old-4"}, backlog)

	tl.Write("new-0")
	tl.Write("new-1")
	tl.Close()

	var got []string
	for l := range sub.Lines() {
		got = append(got, l)
	}
	assert.Equal(t, []string{"new-0", "new-1"}, got)
	assert.Empty(t, tl.Snapshot())

	_, _, ok = tl.Subscribe()
	assert.False(t, ok)
}

func TestTailSubscribeContextReleasesOnCancel(t *testing.T) {
	tl := New(10, 4)
	ctx, cancel := context.WithCancel(context.Background())
	sub, _, ok := tl.SubscribeContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, tl.Subscribers())

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not released after cancel")
	}
	assert.Equal(t, 0, tl.Subscribers())
	tl.Close()
}

func TestTailConcurrentWritersAndSubscribers(t *testing.T) {
	tl := New(50, 1024)
	const lines = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < lines; i++ {
			tl.Write(fmt.Sprintf("%d", i))
		}
	}()

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, backlog, ok := tl.Subscribe()
			if !ok {
				return
			}
			defer sub.Close()
			assert.LessOrEqual(t, len(backlog), 50)
			_ = tl.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, len(tl.Snapshot()))
	tl.Close()
}

func TestTailWriteAfterCloseIsDiscarded(t *testing.T) {
	tl := New(4, 4)
	tl.Write("before")
	tl.Close()
	assert.Zero(t, tl.Write("after"))
	assert.Empty(t, tl.Snapshot())
	_, _, ok := tl.Subscribe()
	assert.False(t, ok)
}

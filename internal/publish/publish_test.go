package publish

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tuneq/internal/queue"
	logx "tuneq/pkg/logx"
)

func snap(version uint64, ids ...string) queue.Snapshot {
	s := queue.Snapshot{Version: version, At: time.Unix(1700000000, 0)}
	for _, id := range ids {
		s.Entries = append(s.Entries, queue.SnapshotEntry{
			ID: id, Owner: "o-" + id, Category: "pop", Status: queue.StatusPending, Score: 100,
		})
	}
	return s
}

func recv(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case up, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return up
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestFirstUpdateIsFullThenDiffs(t *testing.T) {
	p := New(Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	p.Offer(snap(1, "a"))
	up := recv(t, ch)
	if up.Full == nil || up.Full.Version != 1 {
		t.Fatalf("first update must be a full snapshot: %+v", up)
	}

	p.Offer(snap(2, "a", "b"))
	up = recv(t, ch)
	if up.Diff == nil {
		t.Fatalf("second update must be a diff: %+v", up)
	}
	if up.Diff.Version != 2 || len(up.Diff.Added) != 1 || up.Diff.Added[0].ID != "b" {
		t.Fatalf("diff = %+v", up.Diff)
	}
}

func TestLateJoinerGetsCurrentState(t *testing.T) {
	p := New(Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Offer(snap(1, "a"))
	p.Offer(snap(2, "a", "b"))
	if !p.WaitIdle(2 * time.Second) {
		t.Fatal("backlog never drained")
	}

	ch, unsub := p.Subscribe()
	defer unsub()
	up := recv(t, ch)
	if up.Full == nil || up.Full.Version != 2 || len(up.Full.Entries) != 2 {
		t.Fatalf("late joiner must get the newest full snapshot: %+v", up)
	}
}

func TestDiffRoundTrip(t *testing.T) {
	steps := []queue.Snapshot{
		snap(1, "a", "b", "c"),
		snap(2, "c", "a"),      // b removed, reordered
		snap(3, "c", "a", "d"), // d added
		snap(4, "d", "c", "a"), // reorder only
	}
	// A score change must surface in Changed.
	steps[3].Entries[1].Score = 250

	cur := steps[0]
	for _, next := range steps[1:] {
		d := diff(cur, next)
		got := Apply(cur, d)
		if got.Version != next.Version {
			t.Fatalf("version = %d, want %d", got.Version, next.Version)
		}
		if len(got.Entries) != len(next.Entries) {
			t.Fatalf("entries = %d, want %d", len(got.Entries), len(next.Entries))
		}
		for i := range got.Entries {
			if got.Entries[i] != next.Entries[i] {
				t.Fatalf("entry %d = %+v, want %+v", i, got.Entries[i], next.Entries[i])
			}
		}
		cur = next
	}
}

func TestSlowSubscriberResyncsInsteadOfGapping(t *testing.T) {
	p := New(Config{SubscriberBuffer: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	// The subscriber reads nothing; its single-slot buffer fills and
	// subsequent updates mark it for resync.
	for v := uint64(1); v <= 10; v++ {
		p.Offer(snap(v, "a"))
	}
	if !p.WaitIdle(2 * time.Second) {
		t.Fatal("backlog never drained")
	}

	first := recv(t, ch) // whatever landed in the buffer first
	_ = first

	p.Offer(snap(11, "a", "b"))
	up := recv(t, ch)
	if up.Full == nil {
		t.Fatalf("lagging subscriber must be resynced with a full snapshot, got %+v", up)
	}
	if up.Full.Version != 11 {
		t.Fatalf("resync version = %d, want 11", up.Full.Version)
	}
}

func TestMidStreamJoinerSeesNoVersionGap(t *testing.T) {
	p := New(Config{SubscriberBuffer: 512}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	const last = uint64(200)
	step := func(v uint64) queue.Snapshot {
		// Entries and scores change every version so a skipped diff is
		// visible as a reconstruction mismatch, not just a version gap.
		s := snap(v, "a", "b", "c")
		for i := range s.Entries {
			s.Entries[i].Score = float64(v)
		}
		return s
	}

	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for v := uint64(1); v <= last; v++ {
			p.Offer(step(v))
			if v%17 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	// Joiners arrive while the stream is in flight; each must get a full
	// snapshot first and then an unbroken chain of diffs.
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(delay time.Duration) {
			time.Sleep(delay)
			ch, unsub := p.Subscribe()
			defer unsub()

			var state queue.Snapshot
			seenFull := false
			for state.Version < last {
				var up Update
				select {
				case u, ok := <-ch:
					if !ok {
						results <- fmt.Errorf("channel closed at v%d", state.Version)
						return
					}
					up = u
				case <-time.After(2 * time.Second):
					results <- fmt.Errorf("timed out at v%d", state.Version)
					return
				}
				switch {
				case up.Full != nil:
					state = *up.Full
					seenFull = true
				case !seenFull:
					results <- fmt.Errorf("diff before any full snapshot")
					return
				case up.Diff.Version != state.Version+1:
					results <- fmt.Errorf("gap: have v%d, got diff v%d", state.Version, up.Diff.Version)
					return
				default:
					state = Apply(state, *up.Diff)
				}
			}

			want := step(last)
			if len(state.Entries) != len(want.Entries) {
				results <- fmt.Errorf("entries = %d, want %d", len(state.Entries), len(want.Entries))
				return
			}
			for j := range state.Entries {
				if state.Entries[j] != want.Entries[j] {
					results <- fmt.Errorf("entry %d = %+v, want %+v", j, state.Entries[j], want.Entries[j])
					return
				}
			}
			results <- nil
		}(time.Duration(i) * 2 * time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		if err := <-results; err != nil {
			t.Fatal(err)
		}
	}
	<-producerDone
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := New(Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
}

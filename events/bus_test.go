package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func publishN(t *testing.T, b *Bus, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := b.Publish(TypeTextDelta, TextDelta{Text: "x"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}

func ids(evs []Event) []int64 {
	out := make([]int64, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}

// collect drains sub in a goroutine and returns a func that waits for it.
func collect(b *Bus, ctx context.Context, after int64) func() []Event {
	var got []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range b.Subscribe(ctx, after) {
			got = append(got, ev)
		}
	}()
	return func() []Event {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return nil
		}
		return got
	}
}

func TestBus_PublishAssignsSequentialIDs(t *testing.T) {
	b := NewBus()
	for want := int64(1); want <= 3; want++ {
		id, err := b.Publish(TypeStatus, Status{Status: "running"})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if id != want {
			t.Errorf("id = %d, want %d", id, want)
		}
	}
	if b.LastID() != 3 {
		t.Errorf("LastID = %d, want 3", b.LastID())
	}
}

func TestBus_Publish_UnknownType(t *testing.T) {
	b := NewBus()
	if _, err := b.Publish(Type("bogus"), nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestBus_SubscribeResumesAfterLastSeen(t *testing.T) {
	b := NewBus()
	publishN(t, b, 3)

	wait := collect(b, context.Background(), 1)
	// Live tail: one more event after the subscriber attached.
	publishN(t, b, 1)
	b.Close()

	if diff := cmp.Diff([]int64{2, 3, 4}, ids(wait())); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_ReplayCompleteness(t *testing.T) {
	const total = 12
	b := NewBus()
	publishN(t, b, total)
	b.Close()

	for k := int64(0); k <= total; k++ {
		var want []int64
		for id := k + 1; id <= total; id++ {
			want = append(want, id)
		}
		var got []int64
		for ev := range b.Subscribe(context.Background(), k) {
			got = append(got, ev.ID)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Subscribe(%d) mismatch (-want +got):\n%s", k, diff)
		}
	}
}

func TestBus_ConcurrentSubscribersEachGetEveryEvent(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	waitA := collect(b, ctx, 0)
	waitB := collect(b, ctx, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = b.Publish(TypeTextDelta, TextDelta{Text: "x"})
			}
		}()
	}
	wg.Wait()
	b.Close()

	a, bb := waitA(), waitB()
	if len(a) != 50 || len(bb) != 50 {
		t.Fatalf("got %d and %d events, want 50 each", len(a), len(bb))
	}
	if diff := cmp.Diff(ids(a), ids(bb)); diff != "" {
		t.Errorf("subscribers diverged (-a +b):\n%s", diff)
	}
}

func TestBus_TwoSubscribersFromStartSeeOneEvent(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	waitA := collect(b, ctx, 0)
	waitB := collect(b, ctx, 0)

	publishN(t, b, 1)
	b.Close()

	for name, got := range map[string][]Event{"a": waitA(), "b": waitB()} {
		if len(got) != 1 || got[0].ID != 1 {
			t.Errorf("subscriber %s got %v, want [1]", name, ids(got))
		}
	}
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := NewBus()
	publishN(t, b, 2)
	b.Close()
	b.Close() // idempotent

	id, err := b.Publish(TypeTextDelta, TextDelta{Text: "late"})
	if err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0", id)
	}
	if b.LastID() != 2 {
		t.Errorf("LastID = %d, want 2", b.LastID())
	}
	if !b.Closed() {
		t.Error("Closed() = false")
	}
}

func TestBus_SubscribeStopsOnContextCancel(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	wait := collect(b, ctx, 0)

	publishN(t, b, 1)
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan []Event, 1)
	go func() { done <- wait() }()
	select {
	case got := <-done:
		if len(got) != 1 {
			t.Errorf("got %d events before cancel, want 1", len(got))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not return after ctx cancel")
	}
}

func TestBus_BreakingOutOfRangeStopsSubscriber(t *testing.T) {
	b := NewBus()
	publishN(t, b, 5)
	n := 0
	for range b.Subscribe(context.Background(), 0) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
}

func TestBus_History(t *testing.T) {
	b := NewBus()
	publishN(t, b, 4)
	if got := ids(b.History(2)); !cmp.Equal(got, []int64{3, 4}) {
		t.Errorf("History(2) = %v", got)
	}
	if got := b.History(4); got != nil {
		t.Errorf("History(4) = %v, want nil", got)
	}
}

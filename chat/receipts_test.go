package chat

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// markRecorder records batched mark-read calls.
type markRecorder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (r *markRecorder) mark(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]string, len(ids))
	copy(batch, ids)
	r.batches = append(r.batches, batch)
	return r.err
}

func (r *markRecorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestVisibleMessagesBatchIntoOneCall(t *testing.T) {
	rec := &markRecorder{}
	tr := NewReadTracker("alice", rec.mark)
	tr.debounce = 30 * time.Millisecond
	defer tr.Stop()

	tr.Observe(&Message{ID: "m1", SenderID: "bob"})
	tr.Observe(&Message{ID: "m2", SenderID: "bob"})
	tr.Observe(&Message{ID: "m3", SenderID: "carol"})

	time.Sleep(100 * time.Millisecond)

	if rec.batchCount() != 1 {
		t.Fatalf("Expected 1 batched call, got %d", rec.batchCount())
	}
	got := append([]string(nil), rec.batches[0]...)
	sort.Strings(got)
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Batch = %v, want %v", got, want)
		}
	}
}

func TestOwnAndAlreadyReadMessagesSkipped(t *testing.T) {
	rec := &markRecorder{}
	tr := NewReadTracker("alice", rec.mark)
	defer tr.Stop()

	readAt := time.Now()
	tr.Observe(&Message{ID: "mine", SenderID: "alice"})
	tr.Observe(&Message{ID: "seen", SenderID: "bob", ReadAt: &readAt})

	tr.Flush()
	if rec.batchCount() != 0 {
		t.Errorf("Skipped messages still produced %d calls", rec.batchCount())
	}
}

func TestOptimisticLocalReadState(t *testing.T) {
	rec := &markRecorder{err: errors.New("network down")}
	tr := NewReadTracker("alice", rec.mark)
	defer tr.Stop()

	msg := &Message{ID: "m1", SenderID: "bob"}
	tr.Observe(msg)
	tr.Flush()

	// The local indicator is set despite the failed call, with no
	// rollback.
	if _, ok := tr.LocalReadAt("m1"); !ok {
		t.Error("Local read state missing after failed mark call")
	}

	// An already marked message is not re-queued.
	tr.Observe(msg)
	tr.Flush()
	if rec.batchCount() != 1 {
		t.Errorf("Marked message re-sent: %d calls", rec.batchCount())
	}
}

func TestStopDropsPending(t *testing.T) {
	rec := &markRecorder{}
	tr := NewReadTracker("alice", rec.mark)
	tr.debounce = 20 * time.Millisecond

	tr.Observe(&Message{ID: "m1", SenderID: "bob"})
	tr.Stop()

	time.Sleep(60 * time.Millisecond)
	if rec.batchCount() != 0 {
		t.Error("Stopped tracker still flushed")
	}

	// Observations after Stop are ignored.
	tr.Observe(&Message{ID: "m2", SenderID: "bob"})
	tr.Flush()
	if rec.batchCount() != 0 {
		t.Error("Stopped tracker accepted new observations")
	}
}

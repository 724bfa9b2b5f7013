package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/indexing"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []Event
	claimErr  error
	processed []int64
	failed    map[int64]string
	limits    []int
}

func (s *fakeStore) Claim(ctx context.Context, limit int, lockTimeout time.Duration, maxAttempts int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limit)
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	var out, rest []Event
	for _, ev := range s.pending {
		if len(out) < limit && (maxAttempts <= 0 || ev.Attempts < maxAttempts) {
			out = append(out, ev)
			continue
		}
		rest = append(rest, ev)
	}
	s.pending = rest
	return out, nil
}

func (s *fakeStore) MarkProcessed(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, ids...)
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, ids []int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = map[int64]string{}
	}
	for _, id := range ids {
		s.failed[id] = cause
	}
	return nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	batches  [][]indexing.Diagram
	failures []indexing.FailedDocument
	err      error
}

func (f *fakeSubmitter) Submit(ctx context.Context, diagrams []indexing.Diagram) ([]indexing.FailedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, diagrams)
	return f.failures, f.err
}

func event(id int64, origin string) Event {
	return Event{
		ID:      id,
		EventID: "ev-" + origin,
		Diagram: indexing.Diagram{OriginURL: origin, Title: origin},
	}
}

func TestProcessOnce(t *testing.T) {
	tests := []struct {
		name          string
		failures      []indexing.FailedDocument
		submitErr     error
		wantProcessed []int64
		wantFailed    []int64
	}{
		{
			name:          "all accepted",
			wantProcessed: []int64{1, 2, 3},
		},
		{
			name:          "one rejected",
			failures:      []indexing.FailedDocument{{ID: "b", Code: "InvalidRequest", Message: "bad"}},
			wantProcessed: []int64{1, 3},
			wantFailed:    []int64{2},
		},
		{
			name:       "call failed",
			submitErr:  errors.New("throttled"),
			wantFailed: []int64{1, 2, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{pending: []Event{event(1, "a"), event(2, "b"), event(3, "c")}}
			sub := &fakeSubmitter{failures: tt.failures, err: tt.submitErr}
			p := NewProcessor(store, sub, ProcessorConfig{BatchSize: 10})

			n, err := p.ProcessOnce(context.Background())
			if err != nil {
				t.Fatalf("ProcessOnce returned error: %v", err)
			}
			if n != 3 {
				t.Errorf("claimed %d, want 3", n)
			}

			if diff := cmp.Diff(tt.wantProcessed, store.processed); diff != "" {
				t.Errorf("processed mismatch (-want +got):\n%s", diff)
			}
			var failed []int64
			for _, id := range []int64{1, 2, 3} {
				if _, ok := store.failed[id]; ok {
					failed = append(failed, id)
				}
			}
			if diff := cmp.Diff(tt.wantFailed, failed); diff != "" {
				t.Errorf("failed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProcessOnceEmpty(t *testing.T) {
	store := &fakeStore{}
	sub := &fakeSubmitter{}

	n, err := NewProcessor(store, sub, ProcessorConfig{}).ProcessOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("ProcessOnce = (%d, %v), want (0, nil)", n, err)
	}
	if len(sub.batches) != 0 {
		t.Error("submitter called for an empty claim")
	}
	if store.limits[0] != indexing.MaxBatchSize {
		t.Errorf("default batch size = %d, want %d", store.limits[0], indexing.MaxBatchSize)
	}
}

func TestProcessOnceClaimError(t *testing.T) {
	store := &fakeStore{claimErr: errors.New("connection refused")}
	_, err := NewProcessor(store, &fakeSubmitter{}, ProcessorConfig{}).ProcessOnce(context.Background())
	if err == nil {
		t.Fatal("expected claim error")
	}
}

func TestProcessOnceTruncatesCause(t *testing.T) {
	store := &fakeStore{pending: []Event{event(1, "a")}}
	sub := &fakeSubmitter{err: errors.New(strings.Repeat("x", 2000))}

	if _, err := NewProcessor(store, sub, ProcessorConfig{}).ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce returned error: %v", err)
	}
	if got := len(store.failed[1]); got != 512 {
		t.Errorf("stored cause length = %d, want 512", got)
	}
}

func TestRunDrainsAndStops(t *testing.T) {
	var pending []Event
	for i := int64(1); i <= 25; i++ {
		pending = append(pending, event(i, string(rune('a'+i))))
	}
	store := &fakeStore{pending: pending}
	sub := &fakeSubmitter{}
	p := NewProcessor(store, sub, ProcessorConfig{BatchSize: 10, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.processed)
		store.mu.Unlock()
		if n == 25 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("processed %d of 25 events before deadline", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.batches) != 3 {
		t.Errorf("submitted %d batches, want 3", len(sub.batches))
	}
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		input    string
		max      int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 7, "this is"},
		{"caf\u00e9", 4, "caf"},
		{"\u00e9\u00e9", 3, "\u00e9"},
	}
	for _, tt := range tests {
		if got := truncateError(tt.input, tt.max); got != tt.expected {
			t.Errorf("truncateError(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.expected)
		}
	}
}

func TestTruncateErrorKeepsRunes(t *testing.T) {
	msg := strings.Repeat("a", 511) + "\u00e9 rejected"
	got := truncateError(msg, 512)

	if !utf8.ValidString(got) {
		t.Fatalf("truncated message is not valid UTF-8: %q", got[len(got)-4:])
	}
	if got != strings.Repeat("a", 511) {
		t.Errorf("truncated to %d bytes, want 511", len(got))
	}
}

func TestProcessOnceSkipsExhaustedEvents(t *testing.T) {
	exhausted := event(1, "https://example.com/poison")
	exhausted.Attempts = 3
	store := &fakeStore{pending: []Event{exhausted, event(2, "https://example.com/ok")}}
	sub := &fakeSubmitter{}
	p := NewProcessor(store, sub, ProcessorConfig{BatchSize: 10, MaxAttempts: 3})

	n, err := p.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("claimed %d events, want 1", n)
	}
	if diff := cmp.Diff([]int64{2}, store.processed); diff != "" {
		t.Errorf("processed mismatch (-want +got):\n%s", diff)
	}
	if len(store.pending) != 1 || store.pending[0].ID != 1 {
		t.Errorf("exhausted event should stay unclaimed, pending = %v", store.pending)
	}
}

package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/questwhisper/questwhisper/internal/usage"
	"github.com/questwhisper/questwhisper/pkg/audio/playback"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// recordingPlayback logs every call in order.
type recordingPlayback struct {
	calls   []string
	pending int
	err     error
}

func (p *recordingPlayback) ScheduleChunk(pcm []byte) (playback.Scheduled, error) {
	if p.err != nil {
		return playback.Scheduled{}, p.err
	}
	p.calls = append(p.calls, fmt.Sprintf("chunk:%s", pcm))
	p.pending++
	return playback.Scheduled{}, nil
}

func (p *recordingPlayback) Interrupt() int {
	p.calls = append(p.calls, "interrupt")
	n := p.pending
	p.pending = 0
	return n
}

// unknownEvent satisfies live.Event but is not one of its variants.
type unknownEvent struct{ live.TurnComplete }

func chunk(s string) live.AudioChunk { return live.AudioChunk{PCM: []byte(s), SampleRate: 24000} }

func kinds(evs []live.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		if c, ok := ev.(live.AudioChunk); ok {
			out[i] = "chunk:" + string(c.PCM)
			continue
		}
		out[i] = ev.Kind().String()
	}
	return out
}

func TestPrioritize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		batch []live.Event
		want  []string
	}{
		{
			name:  "no interruption keeps order",
			batch: []live.Event{chunk("a"), live.TurnComplete{}, chunk("b")},
			want:  []string{"chunk:a", "turn_complete", "chunk:b"},
		},
		{
			name:  "interruption discards earlier audio",
			batch: []live.Event{chunk("a"), chunk("b"), live.Interrupted{}},
			want:  []string{"interrupted"},
		},
		{
			name:  "audio after interruption is kept",
			batch: []live.Event{chunk("a"), live.Interrupted{}, chunk("b"), chunk("c")},
			want:  []string{"interrupted", "chunk:b", "chunk:c"},
		},
		{
			name:  "last interruption wins",
			batch: []live.Event{live.Interrupted{}, chunk("a"), live.Interrupted{}, chunk("b")},
			want:  []string{"interrupted", "chunk:b"},
		},
		{
			name:  "control events keep relative order",
			batch: []live.Event{live.UsageMetadata{}, chunk("a"), live.TurnComplete{}, live.Interrupted{}},
			want:  []string{"usage_metadata", "turn_complete", "interrupted"},
		},
		{
			name:  "events after interruption stay after it",
			batch: []live.Event{chunk("a"), live.TurnComplete{}, chunk("b"), live.Interrupted{}, live.TurnComplete{}},
			want:  []string{"turn_complete", "interrupted", "turn_complete"},
		},
		{
			name:  "empty",
			batch: nil,
			want:  []string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := kinds(prioritize(tc.batch))
			if !slices.Equal(got, tc.want) {
				t.Errorf("prioritize = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDispatcher_Handle(t *testing.T) {
	t.Parallel()

	pb := &recordingPlayback{}
	var usage []live.UsageMetadata
	interrupts := 0
	d := NewDispatcher(pb,
		WithUsage(func(_ context.Context, u live.UsageMetadata) { usage = append(usage, u) }),
		WithInterruptHook(func() { interrupts++ }),
	)
	ctx := context.Background()

	events := []live.Event{
		chunk("a"),
		chunk("b"),
		live.TurnComplete{},
		live.ToolCallCancellation{IDs: []string{"call-1"}},
		live.UsageMetadata{PromptTokens: 3, ResponseTokens: 5, TotalTokens: 8},
		live.Interrupted{},
	}
	for _, ev := range events {
		if err := d.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle(%T): %v", ev, err)
		}
	}

	if want := []string{"chunk:a", "chunk:b", "interrupt"}; !slices.Equal(pb.calls, want) {
		t.Errorf("playback calls = %v, want %v", pb.calls, want)
	}
	if d.Turn() != 1 {
		t.Errorf("Turn = %d, want 1", d.Turn())
	}
	if len(usage) != 1 || usage[0].TotalTokens != 8 {
		t.Errorf("usage = %+v", usage)
	}
	if interrupts != 1 {
		t.Errorf("interrupt hook calls = %d, want 1", interrupts)
	}
}

func TestDispatcher_HandleErrorEvent(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&recordingPlayback{})
	remote := &live.RemoteError{Code: 500, Status: "INTERNAL"}

	err := d.Handle(context.Background(), live.ErrorEvent{Err: remote})
	var re *live.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RemoteError", err)
	}

	err = d.Handle(context.Background(), live.ErrorEvent{})
	if !errors.Is(err, live.ErrUnexpectedClose) {
		t.Errorf("nil ErrorEvent err = %v, want ErrUnexpectedClose", err)
	}
}

func TestDispatcher_HandleScheduleError(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&recordingPlayback{err: playback.ErrClosed})
	if err := d.Handle(context.Background(), chunk("a")); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestDispatcher_HandleUnknownPanics(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&recordingPlayback{})
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown event type")
		}
	}()
	_ = d.Handle(context.Background(), unknownEvent{})
}

func TestDispatcher_RunBatchesInterruption(t *testing.T) {
	t.Parallel()

	pb := &recordingPlayback{}
	d := NewDispatcher(pb)

	events := make(chan live.Event, 8)
	events <- chunk("a")
	events <- chunk("b")
	events <- live.Interrupted{}
	events <- chunk("c")
	close(events)

	if err := d.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"interrupt", "chunk:c"}; !slices.Equal(pb.calls, want) {
		t.Errorf("playback calls = %v, want %v", pb.calls, want)
	}
}

// stalledStore holds every write until release is closed.
type stalledStore struct {
	*usage.MemStore
	release chan struct{}
}

func (s stalledStore) Add(ctx context.Context, r usage.Record) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemStore.Add(ctx, r)
}

func TestDispatcher_SlowUsageStoreDoesNotDelayInterrupt(t *testing.T) {
	t.Parallel()

	store := stalledStore{MemStore: usage.NewMemStore(), release: make(chan struct{})}
	w := usage.NewWriter(store, "s-1")
	pb := &recordingPlayback{}
	d := NewDispatcher(pb, WithUsage(w.Record))

	events := make(chan live.Event, 4)
	events <- live.UsageMetadata{TotalTokens: 7}
	events <- chunk("a")
	events <- live.Interrupted{}
	close(events)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), events) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("dispatch waited on the usage store")
	}
	if want := []string{"interrupt"}; !slices.Equal(pb.calls, want) {
		t.Errorf("playback calls = %v, want %v", pb.calls, want)
	}

	close(store.release)
	w.Close()
	if tot, _ := store.SessionTotals(context.Background(), "s-1"); tot.TotalTokens != 7 {
		t.Errorf("usage totals = %+v, want 7 tokens", tot)
	}
}

func TestDispatcher_RunStopsOnError(t *testing.T) {
	t.Parallel()

	pb := &recordingPlayback{}
	d := NewDispatcher(pb)

	events := make(chan live.Event, 4)
	events <- chunk("a")
	events <- live.ErrorEvent{Err: live.ErrUnexpectedClose}
	events <- chunk("b")

	err := d.Run(context.Background(), events)
	if !errors.Is(err, live.ErrUnexpectedClose) {
		t.Fatalf("Run err = %v, want ErrUnexpectedClose", err)
	}
	if want := []string{"chunk:a"}; !slices.Equal(pb.calls, want) {
		t.Errorf("playback calls = %v, want %v", pb.calls, want)
	}
}

func TestDispatcher_RunCancelled(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&recordingPlayback{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Run(ctx, make(chan live.Event)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v, want context.Canceled", err)
	}
}

package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/questwhisper/questwhisper/internal/observe"
	"github.com/questwhisper/questwhisper/pkg/audio"
	"github.com/questwhisper/questwhisper/pkg/audio/playback"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// Playback is the subset of [playback.Scheduler] the dispatcher drives.
type Playback interface {
	ScheduleChunk(pcm []byte) (playback.Scheduled, error)
	Interrupt() int
}

var _ Playback = (*playback.Scheduler)(nil)

// UsageFunc receives usage metadata reported by the remote endpoint.
type UsageFunc func(ctx context.Context, u live.UsageMetadata)

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithUsage registers fn to receive every usage-metadata event. fn runs on
// the dispatch goroutine, so a blocking fn delays interruptions.
func WithUsage(fn UsageFunc) DispatcherOption {
	return func(d *Dispatcher) { d.usage = fn }
}

// WithDispatcherMetrics records server events and interruptions to m.
func WithDispatcherMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithInterruptHook registers fn to run after every remote interruption.
func WithInterruptHook(fn func()) DispatcherOption {
	return func(d *Dispatcher) { d.onInterrupt = fn }
}

// Dispatcher turns server events into playback actions. It is driven by a
// single goroutine through [Dispatcher.Run]; [Dispatcher.Handle] is exposed
// for callers that own their own loop. Neither is safe for concurrent use.
type Dispatcher struct {
	playback    Playback
	usage       UsageFunc
	metrics     *observe.Metrics
	onInterrupt func()

	turn       int
	turnChunks int
	rateWarned bool
}

// NewDispatcher returns a Dispatcher scheduling audio on p.
func NewDispatcher(p Playback, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{playback: p}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Turn returns the number of completed turns.
func (d *Dispatcher) Turn() int { return d.turn }

// Run consumes events until the channel closes, ctx ends or a fatal event
// arrives. Events already buffered on the channel are handled as one batch
// so that an interruption overtakes audio queued ahead of it.
//
// Run returns nil when the channel closes, ctx.Err() on cancellation and the
// fatal error otherwise.
func (d *Dispatcher) Run(ctx context.Context, events <-chan live.Event) error {
	batch := make([]live.Event, 0, 16)
	for {
		var (
			ev live.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-events:
			if !ok {
				return nil
			}
		}

		batch = append(batch[:0], ev)
		open := true
	drain:
		for {
			select {
			case next, more := <-events:
				if !more {
					open = false
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		for _, ev := range prioritize(batch) {
			if err := d.Handle(ctx, ev); err != nil {
				return err
			}
		}
		if !open {
			return nil
		}
	}
}

// Handle applies one event. It returns a non-nil error only for conditions
// that are fatal for the session: an [live.ErrorEvent] or a playback failure.
func (d *Dispatcher) Handle(ctx context.Context, ev live.Event) error {
	d.metrics.RecordServerEvent(ctx, ev.Kind().String())

	switch e := ev.(type) {
	case live.Interrupted:
		n := d.playback.Interrupt()
		d.metrics.RecordInterrupt(ctx, "remote")
		slog.Debug("voice: turn interrupted", "turn", d.turn, "chunks", d.turnChunks, "stopped", n)
		d.turnChunks = 0
		if d.onInterrupt != nil {
			d.onInterrupt()
		}

	case live.AudioChunk:
		if e.SampleRate != 0 && e.SampleRate != audio.PlaybackSampleRate && !d.rateWarned {
			d.rateWarned = true
			slog.Warn("voice: unexpected playback sample rate", "rate", e.SampleRate, "want", audio.PlaybackSampleRate)
		}
		if _, err := d.playback.ScheduleChunk(e.PCM); err != nil {
			if errors.Is(err, playback.ErrClosed) {
				return err
			}
			return fmt.Errorf("voice: schedule chunk: %w", err)
		}
		d.turnChunks++
		d.metrics.RecordPlaybackChunk(ctx)

	case live.TurnComplete:
		slog.Debug("voice: turn complete", "turn", d.turn, "chunks", d.turnChunks)
		d.turn++
		d.turnChunks = 0

	case live.ToolCallCancellation:
		slog.Info("voice: tool calls cancelled", "ids", e.IDs)

	case live.UsageMetadata:
		slog.Debug("voice: usage",
			"prompt_tokens", e.PromptTokens,
			"response_tokens", e.ResponseTokens,
			"total_tokens", e.TotalTokens,
		)
		d.metrics.RecordUsage(ctx, e.PromptTokens, e.ResponseTokens)
		if d.usage != nil {
			d.usage(ctx, e)
		}

	case live.ErrorEvent:
		if e.Err == nil {
			return fmt.Errorf("voice: session error: %w", live.ErrUnexpectedClose)
		}
		return fmt.Errorf("voice: session error: %w", e.Err)

	default:
		panic(fmt.Sprintf("voice: unhandled server event %T", ev))
	}
	return nil
}

// prioritize drops every audio chunk queued ahead of the last interruption
// in batch, along with any earlier interruptions, so that stopping playback
// is the next playback action. All other events keep their original
// positions: a turn completed before the interruption is still logged as
// that turn. Audio after the interruption belongs to the next turn.
func prioritize(batch []live.Event) []live.Event {
	last := -1
	for i, ev := range batch {
		if _, ok := ev.(live.Interrupted); ok {
			last = i
		}
	}
	if last < 0 {
		return batch
	}

	out := make([]live.Event, 0, len(batch))
	for i, ev := range batch {
		if i < last {
			switch ev.(type) {
			case live.Interrupted, live.AudioChunk:
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

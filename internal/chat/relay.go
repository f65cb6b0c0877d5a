package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-stream/internal/ai"
	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/metrics"
)

const (
	HeartbeatInterval      = 15 * time.Second
	DefaultUpstreamTimeout = 60 * time.Second
)

var errUpstreamClosed = errors.New("upstream closed without end of stream")

// Sink receives what the caller sees. A write error means the caller is gone.
type Sink interface {
	Chunk(text string) error
	Ping() error
}

// DiscardSink drops everything; used when nobody is listening (async jobs).
type DiscardSink struct{}

func (DiscardSink) Chunk(string) error { return nil }
func (DiscardSink) Ping() error        { return nil }

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota + 1
	OutcomeUpstreamError
	OutcomeTimeout
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one relay. Text is only set when Kind is OutcomeCompleted.
type Outcome struct {
	Kind     OutcomeKind
	Text     string
	Err      error
	Chunks   int
	Skipped  int
	Duration time.Duration
}

func (o Outcome) Completed() bool { return o.Kind == OutcomeCompleted }

// Accumulator is the per-request buffer of forwarded deltas.
type Accumulator struct {
	b        strings.Builder
	chunks   int
	terminal bool
}

func (a *Accumulator) Append(text string) {
	if a.terminal {
		return
	}
	a.b.WriteString(text)
	a.chunks++
}

func (a *Accumulator) Text() string { return a.b.String() }
func (a *Accumulator) Chunks() int  { return a.chunks }

func (a *Accumulator) Close() { a.terminal = true }

type Relay struct {
	timeout   time.Duration
	heartbeat time.Duration
	log       *logger.Logger
}

func NewRelay(log *logger.Logger, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &Relay{timeout: timeout, heartbeat: HeartbeatInterval, log: log.With("component", "relay")}
}

// WithHeartbeat overrides the idle ping interval.
func (r *Relay) WithHeartbeat(d time.Duration) *Relay {
	cp := *r
	if d > 0 {
		cp.heartbeat = d
	}
	return &cp
}

// Run opens one upstream stream and forwards each delta to sink as it arrives, in order.
// It performs no writes of its own; the caller hands the Outcome to a Finalizer.
func (r *Relay) Run(ctx context.Context, provider ai.StreamProvider, req ai.CompletionRequest, sink Sink) Outcome {
	start := time.Now()
	upCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	events := provider.StreamChat(upCtx, req)
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	var (
		acc     Accumulator
		skipped int
	)
	finish := func(kind OutcomeKind, err error) Outcome {
		acc.Close()
		cancel()
		out := Outcome{Kind: kind, Err: err, Chunks: acc.Chunks(), Skipped: skipped, Duration: time.Since(start)}
		if kind == OutcomeCompleted {
			out.Text = acc.Text()
		}
		metrics.StreamOutcomes.WithLabelValues(kind.String()).Inc()
		metrics.StreamDuration.Observe(out.Duration.Seconds())
		return out
	}
	interrupted := func() Outcome {
		if ctx.Err() != nil {
			return finish(OutcomeCancelled, ctx.Err())
		}
		return finish(OutcomeTimeout, upCtx.Err())
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if upCtx.Err() != nil {
					return interrupted()
				}
				return finish(OutcomeUpstreamError, errUpstreamClosed)
			}
			switch ev.Kind {
			case ai.EventDelta:
				if err := sink.Chunk(ev.Text); err != nil {
					return finish(OutcomeCancelled, err)
				}
				acc.Append(ev.Text)
				ticker.Reset(r.heartbeat)
			case ai.EventMalformed:
				skipped++
				metrics.MalformedFrames.Inc()
				r.log.Debug("skipping malformed upstream frame", "err", ev.Err)
			case ai.EventError:
				return finish(OutcomeUpstreamError, ev.Err)
			case ai.EventEnd:
				if strings.TrimSpace(acc.Text()) == "" {
					return finish(OutcomeUpstreamError, ErrEmptyCompletion)
				}
				return finish(OutcomeCompleted, nil)
			}

		case <-ticker.C:
			if err := sink.Ping(); err != nil {
				return finish(OutcomeCancelled, err)
			}

		case <-upCtx.Done():
			return interrupted()
		}
	}
}

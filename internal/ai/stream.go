package ai

import "context"

type EventKind int

const (
	EventDelta EventKind = iota + 1
	EventError
	EventEnd
	// EventMalformed marks an upstream frame that could not be decoded. It is not content.
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	case EventMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type StreamEvent struct {
	Kind EventKind
	Text string
	Err  error
}

func (e StreamEvent) Terminal() bool {
	return e.Kind == EventEnd || e.Kind == EventError
}

func Delta(text string) StreamEvent   { return StreamEvent{Kind: EventDelta, Text: text} }
func End() StreamEvent                { return StreamEvent{Kind: EventEnd} }
func Failure(err error) StreamEvent   { return StreamEvent{Kind: EventError, Err: err} }
func Malformed(err error) StreamEvent { return StreamEvent{Kind: EventMalformed, Err: err} }

// emit sends ev unless ctx is done first; it reports whether the consumer got the event.
func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

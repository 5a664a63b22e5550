package audio

import (
	"context"
	"log/slog"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

// EventKind distinguishes stream events
type EventKind int

const (
	// EventChunk carries a piece of the encoded capture.
	EventChunk EventKind = iota
	// EventFinalized is the last event of a stream. Every chunk has been
	// delivered before it.
	EventFinalized
)

// Event is emitted by a capture Stream
type Event struct {
	Kind EventKind
	Data []byte
	// ContainerHint is set on EventFinalized, e.g. "audio/webm;codecs=opus".
	ContainerHint string
	// Err is set on EventFinalized when the capture ended abnormally.
	Err error
}

// Stream is an active capture. Events delivers chunks in capture order,
// then exactly one EventFinalized, then is closed.
type Stream interface {
	Events() <-chan Event
	// Stop asks the device to finish. It returns without waiting for
	// finalization and may be called more than once.
	Stop() error
}

// CaptureService acquires a capture device. Start must honor ctx for the
// acquisition phase only; the returned stream outlives ctx.
type CaptureService interface {
	Start(ctx context.Context, device string) (Stream, error)
}

// Decoder turns a finished capture into samples
type Decoder interface {
	Decode(ctx context.Context, data []byte, hint string) (*pcm.Buffer, error)
}

// abandon stops a stream nobody will consume and drains it in the
// background. The returned channel closes once the stream has closed.
func abandon(stream Stream) <-chan struct{} {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if err := stream.Stop(); err != nil {
			slog.Debug("Abandoned capture stream stop returned an error", "error", err)
		}
		for range stream.Events() {
		}
	}()
	return drained
}

package ports

import (
	"context"
	"io"
	"time"

	"opdesk/internal/domain"
)

// Candidate is one process that might be a running backend, together
// with the TCP ports it is listening on.
type Candidate struct {
	PID   int
	Name  string
	Ports []int
}

// Scanner enumerates candidate backend processes. Scans are best
// effort: per-process failures are skipped and a failed scan yields an
// empty slice, never an error to the caller.
type Scanner interface {
	Scan(ctx context.Context) []Candidate
}

// Prober validates that an address actually serves the backend
// protocol, not merely an open TCP port.
type Prober interface {
	Probe(ctx context.Context, endpoint domain.Endpoint) bool
}

// EndpointSource yields a reachable backend endpoint, locating or
// launching one as needed.
type EndpointSource interface {
	AcquireEndpoint(ctx context.Context) (domain.Endpoint, error)
}

// StreamConn is one live streaming conversation channel to the
// backend. Events are delivered in per-request issuance order until
// StreamEnd or connection loss.
type StreamConn interface {
	// Send issues a message under the given sequence number.
	Send(ctx context.Context, text string, seq uint64) error
	// Cancel aborts the in-flight request. Exactly one terminal
	// StreamEnd with Cancelled set is delivered for its sequence.
	Cancel(ctx context.Context) error
	Events() <-chan domain.StreamEvent
	Close() error
}

// Dialer opens stream connections against an acquired endpoint.
type Dialer interface {
	Open(ctx context.Context, endpoint domain.Endpoint, title string) (StreamConn, string, error)
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
	// StopGrace is how long Stop waits for the recorder to exit
	// cleanly before killing it.
	StopGrace time.Duration
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// Transcriber converts a captured PCM buffer to text. Black box to the
// capture state machine.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// RulesEngine transforms transcripts using deterministic rules.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// TokenSource supplies the credential injected into outgoing backend
// requests. ok=false is a valid, unauthenticated state.
type TokenSource interface {
	Token(ctx context.Context) (token string, ok bool)
}

// HistoryStore persists the per-session message log.
type HistoryStore interface {
	CreateSession(id string, title string) error
	AppendEvent(event domain.StreamEvent) error
	CloseSession(id string) error
}

// Clipboard writes text into the system clipboard.
type Clipboard interface {
	SetText(ctx context.Context, text string) error
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionsChanged(snapshots []domain.SessionSnapshot)
	StreamEvent(event domain.StreamEvent)
	CaptureStateChanged(state domain.CaptureState, reason domain.CaptureReason)
	BackendError(code domain.ErrorCode, detail string)
}

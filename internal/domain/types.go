package domain

import "fmt"

// Endpoint is a resolved host/port pair for a live backend. Immutable
// once acquired.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ConnState models one session's connection lifecycle.
type ConnState string

const (
	ConnStateConnecting   ConnState = "connecting"
	ConnStateReady        ConnState = "ready"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

// CaptureState models the push-to-talk lifecycle. Exactly one capture
// cycle is active process-wide.
type CaptureState string

const (
	CaptureStateIdle         CaptureState = "idle"
	CaptureStateRecording    CaptureState = "recording"
	CaptureStateTranscribing CaptureState = "transcribing"
	CaptureStateFailed       CaptureState = "failed"
)

// CaptureReason provides a structured reason for capture transitions.
type CaptureReason string

const (
	CaptureReasonMicCold          CaptureReason = "mic_cold"
	CaptureReasonRecordingStarted CaptureReason = "recording_started"
	CaptureReasonTranscribing     CaptureReason = "transcribing"
	CaptureReasonWatchdogReleased CaptureReason = "watchdog_released"
	CaptureReasonTranscriptSent   CaptureReason = "transcript_sent"
	CaptureReasonRecordingDropped CaptureReason = "recording_dropped"
	CaptureReasonNoTranscript     CaptureReason = "no_transcript"
	CaptureReasonTranscribeFailed CaptureReason = "transcribe_failed"
	CaptureReasonNoFocusedSession CaptureReason = "no_focused_session"
	CaptureReasonRulesFailed      CaptureReason = "rules_failed"
)

// StreamEventKind tags one decoded unit of backend streaming output.
type StreamEventKind string

const (
	StreamEventTokenDelta     StreamEventKind = "token-delta"
	StreamEventToolCallStart  StreamEventKind = "tool-call-start"
	StreamEventToolCallResult StreamEventKind = "tool-call-result"
	StreamEventError          StreamEventKind = "error"
	StreamEventStreamEnd      StreamEventKind = "stream-end"
)

// StreamEvent is one decoded unit of backend output. Seq is the
// sequence number of the request the event belongs to; ordering is
// guaranteed per session only.
type StreamEvent struct {
	Kind      StreamEventKind `json:"kind"`
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Err       string          `json:"error,omitempty"`
}

// ErrorCode identifies non-fatal and fatal backend errors surfaced to
// the UI.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeDiscovery     ErrorCode = "discovery"
	ErrorCodeBackendLost   ErrorCode = "backend_lost"
	ErrorCodeSession       ErrorCode = "session"
	ErrorCodeAudioStop     ErrorCode = "audio_stop"
	ErrorCodeAudioStream   ErrorCode = "audio_stream"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeRules         ErrorCode = "rules"
	ErrorCodeClipboard     ErrorCode = "clipboard"
	ErrorCodeHistory       ErrorCode = "history"
)

// SessionSnapshot is a copy-out view of one conversation tab. Observers
// never see the manager's internal session records.
type SessionSnapshot struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	State   ConnState `json:"state"`
	Focused bool      `json:"focused"`
	Pending int       `json:"pending"`
	LastSeq uint64    `json:"lastSeq"`
}

// CaptureStatus summarizes the push-to-talk controller for the UI.
type CaptureStatus struct {
	State   CaptureState `json:"state"`
	Active  bool         `json:"active"`
	Message string       `json:"message,omitempty"`
}

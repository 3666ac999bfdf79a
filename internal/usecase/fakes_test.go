package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeEndpoints struct {
	mu       sync.Mutex
	endpoint domain.Endpoint
	err      error
	calls    int
}

func (f *fakeEndpoints) AcquireEndpoint(_ context.Context) (domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.Endpoint{}, f.err
	}
	return f.endpoint, nil
}

func (f *fakeEndpoints) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEndpoints) acquireCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sentMessage struct {
	text string
	seq  uint64
}

type fakeStreamConn struct {
	remoteID string

	mu          sync.Mutex
	sent        []sentMessage
	sendErr     error
	cancelCalls int
	closeCalls  int
	closed      bool

	events chan domain.StreamEvent
}

func newFakeStreamConn(remoteID string) *fakeStreamConn {
	return &fakeStreamConn{remoteID: remoteID, events: make(chan domain.StreamEvent, 16)}
}

func (f *fakeStreamConn) Send(_ context.Context, text string, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{text: text, seq: seq})
	return nil
}

func (f *fakeStreamConn) Cancel(_ context.Context) error {
	f.mu.Lock()
	f.cancelCalls++
	seq := uint64(len(f.sent))
	f.mu.Unlock()
	f.events <- domain.StreamEvent{Kind: domain.StreamEventStreamEnd, SessionID: f.remoteID, Seq: seq, Cancelled: true}
	return nil
}

func (f *fakeStreamConn) Events() <-chan domain.StreamEvent { return f.events }

func (f *fakeStreamConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStreamConn) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// emit pushes a wire event as the backend would, tagged with the
// remote session id.
func (f *fakeStreamConn) emit(kind domain.StreamEventKind, seq uint64, text string) {
	f.events <- domain.StreamEvent{Kind: kind, SessionID: f.remoteID, Seq: seq, Text: text}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeStreamConn
	err   error
	calls int
}

func (f *fakeDialer) Open(_ context.Context, _ domain.Endpoint, _ string) (ports.StreamConn, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	if f.calls > len(f.conns) {
		return nil, "", errors.New("no stream conn configured")
	}
	conn := f.conns[f.calls-1]
	return conn, conn.remoteID, nil
}

func (f *fakeDialer) openCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDialer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeHistory struct {
	mu      sync.Mutex
	created []string
	closed  []string
	events  []domain.StreamEvent
}

func (f *fakeHistory) CreateSession(id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	return nil
}

func (f *fakeHistory) AppendEvent(event domain.StreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeHistory) CloseSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeHistory) closedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closed))
	copy(out, f.closed)
	return out
}

type captureEvent struct {
	state  domain.CaptureState
	reason domain.CaptureReason
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu sync.Mutex

	sessions [][]domain.SessionSnapshot
	stream   []domain.StreamEvent
	captures []captureEvent
	errors   []errEvent
}

func (f *fakeEventSink) SessionsChanged(snapshots []domain.SessionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, snapshots)
}

func (f *fakeEventSink) StreamEvent(event domain.StreamEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = append(f.stream, event)
}

func (f *fakeEventSink) CaptureStateChanged(state domain.CaptureState, reason domain.CaptureReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, captureEvent{state: state, reason: reason})
}

func (f *fakeEventSink) BackendError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) streamEvents() []domain.StreamEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.StreamEvent, len(f.stream))
	copy(out, f.stream)
	return out
}

func (f *fakeEventSink) captureEvents() []captureEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]captureEvent, len(f.captures))
	copy(out, f.captures)
	return out
}

func (f *fakeEventSink) errorEvents() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errors))
	copy(out, f.errors)
	return out
}

func (f *fakeEventSink) lastCaptureReason() (domain.CaptureReason, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captures) == 0 {
		return "", false
	}
	return f.captures[len(f.captures)-1].reason, true
}

type fakeAudioCapture struct {
	mu       sync.Mutex
	sessions []*fakeAudioSession
	err      error
	calls    int

	// Optional gate: Start signals startEntered, then blocks on
	// startGate. Lets tests race other calls against device startup.
	startEntered chan struct{}
	startGate    chan struct{}
}

func (f *fakeAudioCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	if f.startEntered != nil {
		f.startEntered <- struct{}{}
	}
	if f.startGate != nil {
		<-f.startGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.sessions) {
		return nil, errors.New("no audio session configured")
	}
	session := f.sessions[f.calls]
	f.calls++
	return session, nil
}

func (f *fakeAudioCapture) startCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAudioSession yields its chunks, then blocks until Stop.
type fakeAudioSession struct {
	mu        sync.Mutex
	chunks    [][]byte
	index     int
	stopCalls int
	stopped   chan struct{}
	stopOnce  sync.Once
}

func newFakeAudioSession(chunks ...[]byte) *fakeAudioSession {
	return &fakeAudioSession{chunks: chunks, stopped: make(chan struct{})}
}

func (f *fakeAudioSession) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.index < len(f.chunks) {
		n := copy(p, f.chunks[f.index])
		f.index++
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()
	<-f.stopped
	return 0, io.EOF
}

func (f *fakeAudioSession) Close() error { return nil }

func (f *fakeAudioSession) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeAudioSession) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
	pcm  []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, pcm []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pcm = append([]byte(nil), pcm...)
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeTranscriber) captured() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.pcm...)
}

type fakeRules struct {
	transform string
	err       error
}

func (f *fakeRules) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.transform != "" {
		return f.transform, nil
	}
	return text, nil
}

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSender) SendToFocused(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

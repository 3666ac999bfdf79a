package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// fakeBackend serves the session REST surface plus a scripted SSE
// event stream.
type fakeBackend struct {
	server   *httptest.Server
	frames   chan string
	messages chan uint64
	aborts   atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		frames:   make(chan string, 16),
		messages: make(chan uint64, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SessionInfo{ID: "ses_1"})
	})
	mux.HandleFunc("POST /session/ses_1/message", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Seq uint64 `json:"seq"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		b.messages <- body.Seq
	})
	mux.HandleFunc("POST /session/ses_1/abort", func(w http.ResponseWriter, r *http.Request) {
		b.aborts.Add(1)
	})
	mux.HandleFunc("GET /session/ses_1/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case frame, ok := <-b.frames:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) endpoint(t *testing.T) domain.Endpoint {
	return serverEndpoint(t, b.server)
}

func (b *fakeBackend) push(t *testing.T, kind string, seq uint64, text string) {
	t.Helper()
	b.frames <- fmt.Sprintf(`{"kind":%q,"seq":%d,"text":%q}`, kind, seq, text)
}

func openConn(t *testing.T, b *fakeBackend) ports.StreamConn {
	t.Helper()
	dialer := NewDialer(nil)
	conn, remoteID, err := dialer.Open(context.Background(), b.endpoint(t), "test")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if remoteID != "ses_1" {
		t.Fatalf("unexpected remote id: %q", remoteID)
	}
	return conn
}

func nextEvent(t *testing.T, conn ports.StreamConn) domain.StreamEvent {
	t.Helper()
	select {
	case event, ok := <-conn.Events():
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return domain.StreamEvent{}
	}
}

func TestStreamDeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)
	defer conn.Close()

	if err := conn.Send(context.Background(), "hello", 1); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if seq := <-b.messages; seq != 1 {
		t.Fatalf("message seq = %d, want 1", seq)
	}

	b.push(t, "token-delta", 1, "Hel")
	b.push(t, "token-delta", 1, "lo")
	b.push(t, "stream-end", 1, "")

	first := nextEvent(t, conn)
	if first.Kind != domain.StreamEventTokenDelta || first.Text != "Hel" || first.Seq != 1 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := nextEvent(t, conn)
	if second.Kind != domain.StreamEventTokenDelta || second.Text != "lo" {
		t.Fatalf("unexpected second event: %+v", second)
	}
	last := nextEvent(t, conn)
	if last.Kind != domain.StreamEventStreamEnd || last.Cancelled {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
	if last.SessionID != "ses_1" {
		t.Fatalf("events must carry the remote session id, got %q", last.SessionID)
	}
}

func TestStreamSkipsUnknownEventKinds(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)
	defer conn.Close()

	b.push(t, "usage-report", 1, "ignored")
	b.push(t, "token-delta", 1, "kept")

	event := nextEvent(t, conn)
	if event.Kind != domain.StreamEventTokenDelta || event.Text != "kept" {
		t.Fatalf("unknown kind was not skipped: %+v", event)
	}
}

func TestStreamToolEvents(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)
	defer conn.Close()

	b.frames <- `{"kind":"tool-call-start","seq":2,"tool":"bash"}`
	b.frames <- `{"kind":"tool-call-result","seq":2,"tool":"bash","text":"ok"}`

	start := nextEvent(t, conn)
	if start.Kind != domain.StreamEventToolCallStart || start.ToolName != "bash" {
		t.Fatalf("unexpected tool start: %+v", start)
	}
	result := nextEvent(t, conn)
	if result.Kind != domain.StreamEventToolCallResult || result.Text != "ok" {
		t.Fatalf("unexpected tool result: %+v", result)
	}
}

func TestCancelEmitsExactlyOneTerminalEvent(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)
	defer conn.Close()

	if err := conn.Send(context.Background(), "long request", 1); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	<-b.messages

	if err := conn.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := conn.Cancel(context.Background()); err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	if got := b.aborts.Load(); got != 1 {
		t.Fatalf("abort calls = %d, want 1", got)
	}

	// Late wire events for the cancelled request must be suppressed;
	// a following request's events still come through.
	b.push(t, "token-delta", 1, "stale")
	b.push(t, "stream-end", 1, "")
	b.push(t, "token-delta", 2, "fresh")

	terminal := nextEvent(t, conn)
	if terminal.Kind != domain.StreamEventStreamEnd || !terminal.Cancelled || terminal.Seq != 1 {
		t.Fatalf("unexpected terminal event: %+v", terminal)
	}
	next := nextEvent(t, conn)
	if next.Seq != 2 || next.Text != "fresh" {
		t.Fatalf("expected only the next request's events, got %+v", next)
	}
}

func TestCancelAfterQueuedWireTerminalEmitsNothing(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)
	defer conn.Close()

	if err := conn.Send(context.Background(), "quick request", 1); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	<-b.messages

	// The response finishes and its terminal sits in the event buffer
	// before the consumer drains it, then the cancel lands.
	b.push(t, "stream-end", 1, "")
	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Events()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("wire terminal never queued")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := conn.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got := b.aborts.Load(); got != 0 {
		t.Fatalf("abort calls = %d, want 0 for a settled request", got)
	}

	b.push(t, "token-delta", 2, "next")

	terminal := nextEvent(t, conn)
	if terminal.Kind != domain.StreamEventStreamEnd || terminal.Seq != 1 || terminal.Cancelled {
		t.Fatalf("unexpected terminal event: %+v", terminal)
	}
	next := nextEvent(t, conn)
	if next.Seq != 2 || next.Text != "next" {
		t.Fatalf("expected exactly one terminal for seq 1, got %+v", next)
	}
}

func TestDuplicateWireTerminalIsSuppressed(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)
	defer conn.Close()

	b.push(t, "stream-end", 1, "")
	b.push(t, "stream-end", 1, "")
	b.push(t, "token-delta", 2, "next")

	terminal := nextEvent(t, conn)
	if terminal.Kind != domain.StreamEventStreamEnd || terminal.Seq != 1 {
		t.Fatalf("unexpected terminal event: %+v", terminal)
	}
	next := nextEvent(t, conn)
	if next.Seq != 2 || next.Text != "next" {
		t.Fatalf("duplicate terminal was not suppressed, got %+v", next)
	}
}

func TestStreamLossEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)
	defer conn.Close()

	close(b.frames)

	event := nextEvent(t, conn)
	if event.Kind != domain.StreamEventError {
		t.Fatalf("expected error event, got %+v", event)
	}
	if !strings.Contains(event.Err, ErrDisconnected.Error()) {
		t.Fatalf("unexpected error text: %q", event.Err)
	}
}

func TestCloseShutsEventChannel(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	conn := openConn(t, b)

	if err := conn.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Fatalf("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event channel never closed")
	}
}

func TestOpenRejectsBrokenEventStream(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SessionInfo{ID: "ses_1"})
	})
	mux.HandleFunc("GET /session/ses_1/event", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stream", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("DELETE /session/ses_1", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	defer server.Close()

	dialer := NewDialer(nil)
	_, _, err := dialer.Open(context.Background(), serverEndpoint(t, server), "test")
	if err == nil {
		t.Fatalf("expected open to fail")
	}
}

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// Dialer opens one stream connection per session. The connection is a
// persistent GET of /session/{id}/event decoded as server-sent events.
type Dialer struct {
	tokens ports.TokenSource
	// stream requests must not carry the API client's timeout
	http *http.Client
}

func NewDialer(tokens ports.TokenSource) *Dialer {
	return &Dialer{tokens: tokens, http: &http.Client{}}
}

// Open creates the session on the backend and attaches its event
// stream. Returns the connection and the backend-assigned session id.
func (d *Dialer) Open(ctx context.Context, endpoint domain.Endpoint, title string) (ports.StreamConn, string, error) {
	api := NewClient(endpoint, d.tokens)

	info, err := api.CreateSession(ctx, title)
	if err != nil {
		return nil, "", err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint.BaseURL()+"/session/"+info.ID+"/event", nil)
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	api.authorize(ctx, req)

	resp, err := d.http.Do(req)
	if err != nil {
		cancel()
		_ = api.DeleteSession(ctx, info.ID)
		return nil, "", fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cancel()
		resp.Body.Close()
		_ = api.DeleteSession(ctx, info.ID)
		return nil, "", fmt.Errorf("%w: event stream returned status %d", ErrProtocol, resp.StatusCode)
	}

	conn := &streamConn{
		sessionID: info.ID,
		api:       api,
		cancelCtx: cancel,
		body:      resp.Body,
		events:    make(chan domain.StreamEvent, 64),
		readDone:  make(chan struct{}),
		closing:   make(chan struct{}),
		cancelled: make(map[uint64]bool),
		terminal:  make(map[uint64]bool),
	}
	go conn.readLoop()
	return conn, info.ID, nil
}

// streamConn multiplexing contract: events arriving on the wire carry
// the sequence number of the request they belong to, and the manager
// serializes sends so one request streams to completion before the
// next is issued. Cancel aborts the in-flight sequence; its terminal
// StreamEnd (cancelled) is emitted here exactly once and any wire
// events still in flight for that sequence are dropped.
type streamConn struct {
	sessionID string
	api       *Client
	cancelCtx func()
	body      io.ReadCloser

	events   chan domain.StreamEvent
	readDone chan struct{}
	closing  chan struct{}

	mu         sync.Mutex
	currentSeq uint64
	cancelled  map[uint64]bool
	terminal   map[uint64]bool
	closed     bool
	emitters   sync.WaitGroup

	closeOnce sync.Once
}

func (c *streamConn) Events() <-chan domain.StreamEvent {
	return c.events
}

// Send issues one message under seq. The caller guarantees the
// previous request reached a terminal event first.
func (c *streamConn) Send(ctx context.Context, text string, seq uint64) error {
	c.mu.Lock()
	c.currentSeq = seq
	c.mu.Unlock()
	return c.api.SendMessage(ctx, c.sessionID, text, seq)
}

// Cancel aborts the current in-flight request. A sequence gets exactly
// one terminal StreamEnd ever: when the wire already delivered (or
// queued) it, Cancel is a no-op; otherwise the cancelled StreamEnd is
// emitted here and later wire events for the sequence are suppressed.
func (c *streamConn) Cancel(ctx context.Context) error {
	c.mu.Lock()
	seq := c.currentSeq
	already := c.cancelled[seq]
	settled := c.terminal[seq]
	c.cancelled[seq] = true
	c.terminal[seq] = true
	c.mu.Unlock()
	if already || settled {
		return nil
	}

	err := c.api.Abort(ctx, c.sessionID)
	c.emit(domain.StreamEvent{
		Kind:      domain.StreamEventStreamEnd,
		SessionID: c.sessionID,
		Seq:       seq,
		Cancelled: true,
	})
	return err
}

// Close tears the transport down and closes the events channel once
// every pending emission has drained. The consumer must keep draining
// Events until it closes.
func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closing)
		c.cancelCtx()
		_ = c.body.Close()
		<-c.readDone
		c.emitters.Wait()
		close(c.events)
	})
	return nil
}

// wireEvent is the framed shape on the event stream. Unknown kinds are
// skipped for forward compatibility.
type wireEvent struct {
	Kind  string `json:"kind"`
	Seq   uint64 `json:"seq"`
	Text  string `json:"text"`
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

func (c *streamConn) readLoop() {
	defer close(c.readDone)

	reader := bufio.NewReader(c.body)
	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.mu.Lock()
			deliberate := c.closed
			c.mu.Unlock()
			if !deliberate {
				c.emit(domain.StreamEvent{
					Kind:      domain.StreamEventError,
					SessionID: c.sessionID,
					Err:       ErrDisconnected.Error(),
				})
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			continue
		}
		if line != "" {
			// Field we do not use (event:, id:, retry:) or a comment.
			continue
		}
		if data.Len() == 0 {
			continue
		}

		payload := data.String()
		data.Reset()
		c.handleFrame(payload)
	}
}

func (c *streamConn) handleFrame(payload string) {
	var wire wireEvent
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return
	}

	kind := domain.StreamEventKind(wire.Kind)
	switch kind {
	case domain.StreamEventTokenDelta,
		domain.StreamEventToolCallStart,
		domain.StreamEventToolCallResult,
		domain.StreamEventError,
		domain.StreamEventStreamEnd:
	default:
		return
	}

	c.mu.Lock()
	dropped := c.cancelled[wire.Seq]
	if kind == domain.StreamEventStreamEnd {
		if c.terminal[wire.Seq] {
			dropped = true
		} else if !dropped {
			c.terminal[wire.Seq] = true
		}
	}
	c.mu.Unlock()
	if dropped {
		return
	}

	c.emit(domain.StreamEvent{
		Kind:      kind,
		SessionID: c.sessionID,
		Seq:       wire.Seq,
		Text:      wire.Text,
		ToolName:  wire.Tool,
		Err:       wire.Error,
	})
}

// emit preserves per-session ordering: it blocks until the consumer
// takes the event or the connection starts closing. The emitters group
// keeps Close from closing the channel under a blocked sender.
func (c *streamConn) emit(event domain.StreamEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.emitters.Add(1)
	c.mu.Unlock()
	defer c.emitters.Done()

	select {
	case c.events <- event:
	case <-c.closing:
	}
}

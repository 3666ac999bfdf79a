package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

var (
	ErrSessionClosed    = errors.New("session already closed")
	ErrNoFocusedSession = errors.New("no focused session")
)

// ManagerConfig bounds the reconnect policy.
type ManagerConfig struct {
	RetryMax     int
	RetryInitial time.Duration
}

// SessionManager owns the set of open conversations, the focused
// pointer, and event routing. It is the sole mutator of the session
// set; observers only ever see copy-out snapshots.
type SessionManager struct {
	endpoints ports.EndpointSource
	dialer    ports.Dialer
	history   ports.HistoryStore
	sink      ports.EventSink
	cfg       ManagerConfig

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	focused  string
}

func NewSessionManager(
	endpoints ports.EndpointSource,
	dialer ports.Dialer,
	history ports.HistoryStore,
	sink ports.EventSink,
	cfg ManagerConfig,
) *SessionManager {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	return &SessionManager{
		endpoints: endpoints,
		dialer:    dialer,
		history:   history,
		sink:      sink,
		cfg:       cfg,
		sessions:  make(map[string]*session),
	}
}

// OpenSession acquires an endpoint, opens a streaming conversation,
// and focuses it when it is the first one.
func (m *SessionManager) OpenSession(ctx context.Context, title string) (domain.SessionSnapshot, error) {
	endpoint, err := m.endpoints.AcquireEndpoint(ctx)
	if err != nil {
		m.sink.BackendError(domain.ErrorCodeDiscovery, err.Error())
		return domain.SessionSnapshot{}, err
	}

	conn, remoteID, err := m.dialer.Open(ctx, endpoint, title)
	if err != nil {
		m.sink.BackendError(domain.ErrorCodeSession, err.Error())
		return domain.SessionSnapshot{}, err
	}

	sess := &session{
		id:         uuid.NewString(),
		remoteID:   remoteID,
		title:      title,
		endpoint:   endpoint,
		state:      domain.ConnStateReady,
		conn:       conn,
		routerDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.order = append(m.order, sess.id)
	if m.focused == "" {
		m.focused = sess.id
	}
	snapshot := sess.snapshot(m.focused == sess.id)
	m.mu.Unlock()

	if err := m.history.CreateSession(sess.id, title); err != nil {
		m.sink.BackendError(domain.ErrorCodeHistory, err.Error())
	}

	go m.routeLoop(sess.id, conn, sess.routerDone)
	m.emitSessions()
	return snapshot, nil
}

// CloseSession cancels any in-flight request and releases the
// connection before returning.
func (m *SessionManager) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	sess.closed = true
	sess.state = domain.ConnStateClosed
	conn := sess.conn
	inflight := sess.inflight
	routerDone := sess.routerDone
	delete(m.sessions, id)
	m.order = removeString(m.order, id)
	if m.focused == id {
		m.focused = ""
		if len(m.order) > 0 {
			m.focused = m.order[len(m.order)-1]
		}
	}
	m.mu.Unlock()

	if conn != nil {
		if inflight {
			_ = conn.Cancel(ctx)
		}
		_ = conn.Close()
		<-routerDone
	}
	if err := m.history.CloseSession(id); err != nil {
		m.sink.BackendError(domain.ErrorCodeHistory, err.Error())
	}
	m.emitSessions()
	return nil
}

// Focus marks one session as the target for voice input.
func (m *SessionManager) Focus(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		m.focused = id
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionClosed
	}
	m.emitSessions()
	return nil
}

// SendToFocused sends text on the focused session. While a request is
// in flight the text queues and goes out when the current response
// reaches its terminal event.
func (m *SessionManager) SendToFocused(ctx context.Context, text string) error {
	m.mu.Lock()
	sess, ok := m.sessions[m.focused]
	if !ok {
		m.mu.Unlock()
		return ErrNoFocusedSession
	}
	if sess.state != domain.ConnStateReady {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if sess.inflight {
		sess.pending = append(sess.pending, text)
		m.mu.Unlock()
		m.emitSessions()
		return nil
	}
	sess.inflight = true
	sess.nextSeq++
	seq := sess.nextSeq
	conn := sess.conn
	id := sess.id
	m.mu.Unlock()

	return m.send(ctx, id, conn, text, seq)
}

// Cancel aborts the in-flight request of one session.
func (m *SessionManager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || !sess.inflight {
		m.mu.Unlock()
		return nil
	}
	conn := sess.conn
	m.mu.Unlock()
	return conn.Cancel(ctx)
}

// Snapshots returns a copy-out view of the session set in open order.
func (m *SessionManager) Snapshots() []domain.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SessionSnapshot, 0, len(m.order))
	for _, id := range m.order {
		if sess, ok := m.sessions[id]; ok {
			out = append(out, sess.snapshot(m.focused == id))
		}
	}
	return out
}

// WatchCrashes surfaces backend loss to every session on the crashed
// endpoint as a stream error, then lets the reconnect policy run.
func (m *SessionManager) WatchCrashes(ctx context.Context, crashes <-chan domain.Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case endpoint, ok := <-crashes:
			if !ok {
				return
			}
			m.mu.Lock()
			var lost []string
			for id, sess := range m.sessions {
				if sess.endpoint == endpoint && sess.state == domain.ConnStateReady {
					lost = append(lost, id)
				}
			}
			m.mu.Unlock()
			for _, id := range lost {
				m.sink.StreamEvent(domain.StreamEvent{
					Kind:      domain.StreamEventError,
					SessionID: id,
					Err:       "backend process exited",
				})
				m.handleDisconnect(id)
			}
		}
	}
}

func (m *SessionManager) send(ctx context.Context, id string, conn ports.StreamConn, text string, seq uint64) error {
	if err := conn.Send(ctx, text, seq); err != nil {
		pslog.Ctx(ctx).Warn("send failed", "session", id, "seq", seq, "err", err)
		m.mu.Lock()
		if sess, ok := m.sessions[id]; ok {
			sess.inflight = false
		}
		m.mu.Unlock()
		m.handleDisconnect(id)
		return err
	}
	if err := m.history.AppendEvent(domain.StreamEvent{
		Kind:      domain.StreamEventTokenDelta,
		SessionID: id,
		Seq:       seq,
		Text:      text,
	}); err != nil {
		m.sink.BackendError(domain.ErrorCodeHistory, err.Error())
	}
	return nil
}

// routeLoop consumes one connection's events until its channel closes.
// Routing decisions happen on the manager's lock; the UI only ever
// sees events through the sink.
func (m *SessionManager) routeLoop(id string, conn ports.StreamConn, done chan struct{}) {
	defer close(done)
	for event := range conn.Events() {
		m.route(id, event)
	}
}

func (m *SessionManager) route(id string, event domain.StreamEvent) {
	// Events carry the backend's remote session id; route under the
	// stable local id.
	event.SessionID = id

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if event.Seq > sess.lastSeq {
		sess.lastSeq = event.Seq
	}

	var nextText string
	var nextSeq uint64
	var nextConn ports.StreamConn
	sendNext := false
	disconnected := false

	switch event.Kind {
	case domain.StreamEventStreamEnd:
		// Only the in-flight sequence's terminal settles the request;
		// a stale terminal must not release the queue a second time.
		if sess.inflight && event.Seq == sess.nextSeq {
			sess.inflight = false
			if len(sess.pending) > 0 && sess.state == domain.ConnStateReady {
				nextText = sess.pending[0]
				sess.pending = sess.pending[1:]
				sess.inflight = true
				sess.nextSeq++
				nextSeq = sess.nextSeq
				nextConn = sess.conn
				sendNext = true
			}
		}
	case domain.StreamEventError:
		disconnected = true
	}
	m.mu.Unlock()

	m.sink.StreamEvent(event)
	if err := m.history.AppendEvent(event); err != nil {
		m.sink.BackendError(domain.ErrorCodeHistory, err.Error())
	}

	if sendNext {
		_ = m.send(context.Background(), id, nextConn, nextText, nextSeq)
	}
	if disconnected {
		m.handleDisconnect(id)
	}
}

// handleDisconnect moves a session to Disconnected and starts the
// bounded reconnect policy exactly once per outage.
func (m *SessionManager) handleDisconnect(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.closed || sess.reconnecting {
		m.mu.Unlock()
		return
	}
	sess.state = domain.ConnStateDisconnected
	sess.reconnecting = true
	oldConn := sess.conn
	oldDone := sess.routerDone
	m.mu.Unlock()

	m.emitSessions()
	go m.reconnect(id, oldConn, oldDone)
}

// reconnect retries with exponential backoff up to the configured
// maximum, re-acquiring an endpoint each attempt. Exhaustion marks the
// session permanently failed; it is reported once, never retried
// silently forever.
func (m *SessionManager) reconnect(id string, oldConn ports.StreamConn, oldDone chan struct{}) {
	if oldConn != nil {
		_ = oldConn.Close()
		<-oldDone
	}

	ctx := context.Background()
	log := pslog.Ctx(ctx).With("session", id)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.RetryInitial

	attempt := func() error {
		m.mu.Lock()
		sess, ok := m.sessions[id]
		if !ok || sess.closed {
			m.mu.Unlock()
			return backoff.Permanent(ErrSessionClosed)
		}
		title := sess.title
		m.mu.Unlock()

		endpoint, err := m.endpoints.AcquireEndpoint(ctx)
		if err != nil {
			return err
		}
		conn, remoteID, err := m.dialer.Open(ctx, endpoint, title)
		if err != nil {
			return err
		}

		m.mu.Lock()
		sess, ok = m.sessions[id]
		if !ok || sess.closed {
			m.mu.Unlock()
			_ = conn.Close()
			return backoff.Permanent(ErrSessionClosed)
		}
		sess.conn = conn
		sess.remoteID = remoteID
		sess.endpoint = endpoint
		sess.state = domain.ConnStateReady
		sess.inflight = false
		sess.reconnecting = false
		sess.routerDone = make(chan struct{})
		done := sess.routerDone
		m.mu.Unlock()

		go m.routeLoop(id, conn, done)
		log.Info("session reconnected", "port", endpoint.Port)
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithMaxRetries(policy, uint64(m.cfg.RetryMax)))
	if err == nil {
		m.emitSessions()
		return
	}
	if errors.Is(err, ErrSessionClosed) {
		return
	}

	log.Error("session reconnect exhausted", "err", err)
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		sess.state = domain.ConnStateFailed
		sess.reconnecting = false
	}
	m.mu.Unlock()
	m.sink.BackendError(domain.ErrorCodeBackendLost, "backend unavailable; session failed after retries")
	m.emitSessions()
}

// Shutdown closes every session. Used at application exit.
func (m *SessionManager) Shutdown(ctx context.Context) {
	for _, snapshot := range m.Snapshots() {
		_ = m.CloseSession(ctx, snapshot.ID)
	}
}

func (m *SessionManager) emitSessions() {
	m.sink.SessionsChanged(m.Snapshots())
}

func removeString(values []string, want string) []string {
	out := values[:0]
	for _, v := range values {
		if v != want {
			out = append(out, v)
		}
	}
	return out
}

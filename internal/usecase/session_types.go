package usecase

import (
	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// session is the manager-owned record for one conversation tab. The
// local id is stable for the process lifetime; the backend-assigned
// remote id changes across reconnects.
type session struct {
	id       string
	remoteID string
	title    string
	endpoint domain.Endpoint
	state    domain.ConnState

	conn       ports.StreamConn
	routerDone chan struct{}

	nextSeq  uint64
	inflight bool
	pending  []string
	lastSeq  uint64

	reconnecting bool
	closed       bool
}

func (s *session) snapshot(focused bool) domain.SessionSnapshot {
	return domain.SessionSnapshot{
		ID:      s.id,
		Title:   s.title,
		State:   s.state,
		Focused: focused,
		Pending: len(s.pending),
		LastSeq: s.lastSeq,
	}
}

package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

func testEndpoint(t *testing.T, server *httptest.Server) domain.Endpoint {
	t.Helper()
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return domain.Endpoint{Host: parsed.Hostname(), Port: port}
}

func TestProbeAcceptsBackendHealthResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/doc" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"openapi":"3.0.0","info":{"title":"opencode"}}`))
	}))
	defer server.Close()

	prober := NewHTTPProber("/doc", time.Second)
	if !prober.Probe(context.Background(), testEndpoint(t, server)) {
		t.Fatalf("expected probe to succeed")
	}
}

func TestProbeRejectsWrongProtocol(t *testing.T) {
	t.Parallel()

	// An open port serving something else must not count as a backend.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>some dev server</html>"))
	}))
	defer server.Close()

	prober := NewHTTPProber("/doc", time.Second)
	if prober.Probe(context.Background(), testEndpoint(t, server)) {
		t.Fatalf("expected probe to reject non-backend response")
	}
}

func TestProbeRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "openapi mentioned but broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	prober := NewHTTPProber("/doc", time.Second)
	if prober.Probe(context.Background(), testEndpoint(t, server)) {
		t.Fatalf("expected probe to reject 5xx response")
	}
}

func TestProbeRejectsClosedPort(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := testEndpoint(t, server)
	server.Close()

	prober := NewHTTPProber("/doc", 200*time.Millisecond)
	if prober.Probe(context.Background(), endpoint) {
		t.Fatalf("expected probe to fail on closed port")
	}
}

type setProber struct {
	alive map[int]bool
}

func (p *setProber) Probe(_ context.Context, endpoint domain.Endpoint) bool {
	return p.alive[endpoint.Port]
}

func TestSweepReturnsAliveSortedByPort(t *testing.T) {
	t.Parallel()

	prober := &setProber{alive: map[int]bool{4096: true, 3000: true}}
	candidates := []ports.Candidate{
		{PID: 1, Ports: []int{8080, 4096}},
		{PID: 2, Ports: []int{3000, 4096}}, // duplicate port across processes
	}

	alive := Sweep(context.Background(), prober, "127.0.0.1", candidates)
	if len(alive) != 2 {
		t.Fatalf("expected 2 alive endpoints, got %d: %+v", len(alive), alive)
	}
	if alive[0].Port != 3000 || alive[1].Port != 4096 {
		t.Fatalf("expected ports sorted ascending, got %+v", alive)
	}
	if alive[0].Host != "127.0.0.1" {
		t.Fatalf("unexpected host: %q", alive[0].Host)
	}
}

func TestSweepEmptyCandidates(t *testing.T) {
	t.Parallel()

	alive := Sweep(context.Background(), &setProber{}, "127.0.0.1", nil)
	if len(alive) != 0 {
		t.Fatalf("expected no endpoints, got %+v", alive)
	}
}

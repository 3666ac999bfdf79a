package discovery

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// healthMarker must appear in the health response body. An open port
// answering an unrelated protocol is rejected, not just a failed TCP
// connect.
const healthMarker = "openapi"

// HTTPProber checks that an endpoint answers the backend's health path
// within a short timeout.
type HTTPProber struct {
	client     *http.Client
	healthPath string
}

func NewHTTPProber(healthPath string, timeout time.Duration) *HTTPProber {
	if healthPath == "" {
		healthPath = "/doc"
	}
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &HTTPProber{
		client:     &http.Client{Timeout: timeout},
		healthPath: healthPath,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint domain.Endpoint) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.BaseURL()+p.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(body)), healthMarker)
}

// Sweep probes all candidate ports concurrently and returns the live
// endpoints sorted by port. Total latency is bounded by the slowest
// single probe, not the sum.
func Sweep(ctx context.Context, prober ports.Prober, host string, candidates []ports.Candidate) []domain.Endpoint {
	seen := make(map[int]struct{})
	var targets []domain.Endpoint
	for _, candidate := range candidates {
		for _, port := range candidate.Ports {
			if _, dup := seen[port]; dup {
				continue
			}
			seen[port] = struct{}{}
			targets = append(targets, domain.Endpoint{Host: host, Port: port})
		}
	}

	alive := make([]domain.Endpoint, 0, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(endpoint domain.Endpoint) {
			defer wg.Done()
			if prober.Probe(ctx, endpoint) {
				mu.Lock()
				alive = append(alive, endpoint)
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()

	sort.Slice(alive, func(i, j int) bool { return alive[i].Port < alive[j].Port })
	return alive
}

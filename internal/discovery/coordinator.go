package discovery

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// BackendSpawner launches a backend child and reports crashes of the
// supervised process.
type BackendSpawner interface {
	Spawn(ctx context.Context) (domain.Endpoint, error)
	Crashes() <-chan domain.Endpoint
}

// Coordinator orchestrates scan, probe sweep, and spawn into one
// deterministic acquire operation. It yields at most one endpoint per
// acquisition and is safe (and cheap) to call repeatedly.
type Coordinator struct {
	scanner ports.Scanner
	prober  ports.Prober
	spawner BackendSpawner
	host    string

	mu     sync.Mutex
	cached domain.Endpoint

	crashes chan domain.Endpoint
}

func NewCoordinator(scanner ports.Scanner, prober ports.Prober, spawner BackendSpawner, host string) *Coordinator {
	c := &Coordinator{
		scanner: scanner,
		prober:  prober,
		spawner: spawner,
		host:    host,
		crashes: make(chan domain.Endpoint, 4),
	}
	go c.watch()
	return c
}

// Crashes reports endpoints that were handed out and later lost to a
// backend crash. The cached endpoint is invalidated before the crash
// is forwarded.
func (c *Coordinator) Crashes() <-chan domain.Endpoint {
	return c.crashes
}

// AcquireEndpoint returns a reachable backend endpoint: the cached one
// when it still answers, else the lowest-port live candidate from a
// concurrent probe sweep, else a freshly spawned backend. The whole
// operation is serialized; concurrent callers cannot race a second
// spawn past the spawner's single-attempt rule.
func (c *Coordinator) AcquireEndpoint(ctx context.Context) (domain.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := pslog.Ctx(ctx)

	if !c.cached.IsZero() && c.prober.Probe(ctx, c.cached) {
		return c.cached, nil
	}
	c.cached = domain.Endpoint{}

	candidates := c.scanner.Scan(ctx)
	if alive := Sweep(ctx, c.prober, c.host, candidates); len(alive) > 0 {
		// Deterministic tie-break: lowest port wins.
		c.cached = alive[0]
		log.Info("backend discovered", "port", c.cached.Port, "candidates", len(alive))
		return c.cached, nil
	}

	endpoint, err := c.spawner.Spawn(ctx)
	if err != nil {
		log.Error("backend acquisition failed", "err", err)
		return domain.Endpoint{}, fmt.Errorf("%w: %v", ErrNoBackendAvailable, err)
	}
	c.cached = endpoint
	return endpoint, nil
}

func (c *Coordinator) watch() {
	for endpoint := range c.spawner.Crashes() {
		c.mu.Lock()
		if c.cached == endpoint {
			c.cached = domain.Endpoint{}
		}
		c.mu.Unlock()

		select {
		case c.crashes <- endpoint:
		default:
		}
	}
	close(c.crashes)
}

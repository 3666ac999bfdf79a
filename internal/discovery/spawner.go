package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"

	"opdesk/internal/config"
	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// HandleState tracks a spawned child's lifecycle.
type HandleState string

const (
	HandleStarting HandleState = "starting"
	HandleReady    HandleState = "ready"
	HandleCrashed  HandleState = "crashed"
	HandleExited   HandleState = "exited"
)

// Handle is the ownership record for a spawned backend child.
type Handle struct {
	PID      int
	Endpoint domain.Endpoint

	mu    sync.Mutex
	state HandleState
}

func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(state HandleState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

// compareAndSetState transitions only from the expected state, so a
// deliberate Stop cannot be reported as a crash.
func (h *Handle) compareAndSetState(from HandleState, to HandleState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}

// Spawner launches and supervises the backend child process. At most
// one spawn attempt is in flight; concurrent calls coalesce onto it.
type Spawner struct {
	cfg    config.BackendConfig
	prober ports.Prober

	mu       sync.Mutex
	inflight *spawnAttempt
	handle   *Handle
	stop     func()

	crashes chan domain.Endpoint
}

type spawnAttempt struct {
	done   chan struct{}
	handle *Handle
	err    error
}

func NewSpawner(cfg config.BackendConfig, prober ports.Prober) *Spawner {
	return &Spawner{
		cfg:     cfg,
		prober:  prober,
		crashes: make(chan domain.Endpoint, 4),
	}
}

// Crashes reports endpoints of supervised children that exited
// unexpectedly after becoming ready.
func (s *Spawner) Crashes() <-chan domain.Endpoint {
	return s.crashes
}

// Spawn launches the backend and waits until it is ready, or joins the
// attempt already in flight.
func (s *Spawner) Spawn(ctx context.Context) (domain.Endpoint, error) {
	s.mu.Lock()
	if s.handle != nil {
		state := s.handle.State()
		if state == HandleStarting || state == HandleReady {
			endpoint := s.handle.Endpoint
			s.mu.Unlock()
			return endpoint, nil
		}
	}
	attempt := s.inflight
	if attempt == nil {
		attempt = &spawnAttempt{done: make(chan struct{})}
		s.inflight = attempt
		go s.run(attempt)
	}
	s.mu.Unlock()

	select {
	case <-attempt.done:
	case <-ctx.Done():
		return domain.Endpoint{}, ctx.Err()
	}
	if attempt.err != nil {
		return domain.Endpoint{}, attempt.err
	}
	return attempt.handle.Endpoint, nil
}

// Stop terminates the supervised child, if any.
func (s *Spawner) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Spawner) run(attempt *spawnAttempt) {
	handle, stop, err := s.launch(attempt)

	s.mu.Lock()
	s.inflight = nil
	if err == nil {
		s.handle = handle
		s.stop = stop
	}
	s.mu.Unlock()

	attempt.handle = handle
	attempt.err = err
	close(attempt.done)
}

func (s *Spawner) launch(attempt *spawnAttempt) (*Handle, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SpawnTimeout)
	defer cancel()
	log := pslog.Ctx(ctx).With("binary", s.cfg.Binary)

	args := []string{"serve", "--port", strconv.Itoa(s.cfg.Port), "--hostname", s.cfg.Hostname}
	cmd, stdout, err := startCommand(s.cfg.Binary, args)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProcessLaunchFailed, err)
	}

	handle := &Handle{PID: cmd.Process.Pid, state: HandleStarting}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	kill := func() {
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-waitErr:
		case <-time.After(1200 * time.Millisecond):
			_ = cmd.Process.Kill()
			<-waitErr
		}
	}

	announced := make(chan domain.Endpoint, 1)
	go func() {
		defer close(announced)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if endpoint, ok := ParseAnnouncement(scanner.Text()); ok {
				announced <- endpoint
				break
			}
		}
		// Keep draining so the child never blocks on a full pipe.
		for scanner.Scan() {
		}
	}()

	var endpoint domain.Endpoint
	select {
	case found, ok := <-announced:
		if !ok {
			kill()
			handle.setState(HandleExited)
			return nil, nil, ErrAnnounceParse
		}
		endpoint = found
	case <-ctx.Done():
		kill()
		handle.setState(HandleExited)
		return nil, nil, ErrSpawnTimeout
	}

	// The announcement precedes accepting connections; poll health
	// until the backend actually answers.
	for !s.prober.Probe(ctx, endpoint) {
		select {
		case <-ctx.Done():
			kill()
			handle.setState(HandleExited)
			return nil, nil, ErrSpawnTimeout
		case <-time.After(300 * time.Millisecond):
		}
	}

	handle.Endpoint = endpoint
	handle.setState(HandleReady)
	log.Info("backend spawned", "pid", handle.PID, "port", endpoint.Port)

	go s.supervise(handle, waitErr)

	stop := func() {
		if handle.compareAndSetState(HandleReady, HandleExited) {
			kill()
		}
	}
	return handle, stop, nil
}

// supervise watches the child and reports unexpected exits.
func (s *Spawner) supervise(handle *Handle, waitErr <-chan error) {
	err := <-waitErr
	if !handle.compareAndSetState(HandleReady, HandleCrashed) {
		return
	}
	pslog.Ctx(context.Background()).Warn("backend exited unexpectedly",
		"pid", handle.PID, "port", handle.Endpoint.Port, "err", err)
	select {
	case s.crashes <- handle.Endpoint:
	default:
	}
}

// startCommand starts the binary from PATH, falling back to a sibling
// of the running executable when the binary is not installed.
func startCommand(binary string, args []string) (*exec.Cmd, *os.File, error) {
	start := func(path string) (*exec.Cmd, *os.File, error) {
		cmd := exec.Command(path, args...)
		read, write, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		cmd.Stdout = write
		cmd.Stderr = write
		if err := cmd.Start(); err != nil {
			read.Close()
			write.Close()
			return nil, nil, err
		}
		write.Close()
		return cmd, read, nil
	}

	cmd, stdout, err := start(binary)
	if err == nil {
		return cmd, stdout, nil
	}
	if !errors.Is(err, exec.ErrNotFound) && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	exe, exeErr := os.Executable()
	if exeErr != nil {
		return nil, nil, err
	}
	return start(filepath.Join(filepath.Dir(exe), binary))
}

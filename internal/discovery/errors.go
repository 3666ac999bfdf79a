package discovery

import "errors"

var (
	// ErrNoBackendAvailable means neither scanning nor spawning
	// produced a reachable backend.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrSpawnTimeout means the child did not become ready within the
	// startup deadline and was killed.
	ErrSpawnTimeout = errors.New("backend did not become ready within timeout")

	// ErrProcessLaunchFailed means the backend binary could not be
	// started at all.
	ErrProcessLaunchFailed = errors.New("failed to launch backend process")

	// ErrAnnounceParse means the child exited or closed stdout before
	// announcing its listening address.
	ErrAnnounceParse = errors.New("failed to parse listening announcement from backend output")
)

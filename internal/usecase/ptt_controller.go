package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

// TextSender receives transcribed speech. Satisfied by SessionManager.
type TextSender interface {
	SendToFocused(ctx context.Context, text string) error
}

// CaptureConfig controls push-to-talk recording behavior.
type CaptureConfig struct {
	Audio     ports.AudioConfig
	ChunkSize int
	// MaxHold force-releases a recording when the key-up event never
	// arrives (focus loss eats it).
	MaxHold time.Duration
}

// CaptureController is the push-to-talk state machine. One capture
// cycle is active at a time; a key-down during Recording or
// Transcribing is ignored, not queued.
type CaptureController struct {
	audio      ports.AudioCapture
	transcribe ports.Transcriber
	rules      ports.RulesEngine
	sender     TextSender
	sink       ports.EventSink
	cfg        CaptureConfig

	mu         sync.Mutex
	state      domain.CaptureState
	current    *captureCycle
	generation uint64
}

type captureCycle struct {
	cancel   func()
	session  ports.AudioSession
	buf      bytes.Buffer
	pumpDone chan struct{}
	watchdog *time.Timer
}

func NewCaptureController(
	audio ports.AudioCapture,
	transcribe ports.Transcriber,
	rules ports.RulesEngine,
	sender TextSender,
	sink ports.EventSink,
	cfg CaptureConfig,
) *CaptureController {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = 30 * time.Second
	}
	return &CaptureController{
		audio:      audio,
		transcribe: transcribe,
		rules:      rules,
		sender:     sender,
		sink:       sink,
		cfg:        cfg,
		state:      domain.CaptureStateIdle,
	}
}

// Press handles hold-key-down: Idle -> Recording. Any other state is a
// no-op.
func (c *CaptureController) Press(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.CaptureStateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.CaptureStateRecording
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	audioSession, err := c.audio.Start(cycleCtx, c.cfg.Audio)
	if err != nil {
		cancel()
		c.mu.Lock()
		if c.generation == gen && c.state == domain.CaptureStateRecording {
			c.state = domain.CaptureStateIdle
		}
		c.mu.Unlock()
		c.sink.BackendError(domain.ErrorCodeAudioStream, err.Error())
		return err
	}

	cycle := &captureCycle{
		cancel:   cancel,
		session:  audioSession,
		pumpDone: make(chan struct{}),
	}

	c.mu.Lock()
	// A cancel can land while the device is opening. The cycle must
	// not outlive it, and a newer press owns the controller now.
	if c.generation != gen || c.state != domain.CaptureStateRecording {
		c.mu.Unlock()
		cancel()
		_ = audioSession.Stop()
		return nil
	}
	c.current = cycle
	cycle.watchdog = time.AfterFunc(c.cfg.MaxHold, func() {
		c.release(cycle, domain.CaptureReasonWatchdogReleased)
	})
	c.mu.Unlock()

	go c.pump(cycle)
	c.sink.CaptureStateChanged(domain.CaptureStateRecording, domain.CaptureReasonRecordingStarted)
	return nil
}

// Release handles hold-key-up: Recording -> Transcribing.
func (c *CaptureController) Release() error {
	c.mu.Lock()
	cycle := c.current
	c.mu.Unlock()
	if cycle == nil {
		return nil
	}
	c.release(cycle, domain.CaptureReasonTranscribing)
	return nil
}

// CancelCapture drops any active cycle and returns to Idle,
// unconditionally releasing audio resources. Used for explicit cancel
// and app shutdown.
func (c *CaptureController) CancelCapture() {
	c.mu.Lock()
	cycle := c.current
	c.current = nil
	wasIdle := c.state == domain.CaptureStateIdle
	c.state = domain.CaptureStateIdle
	c.mu.Unlock()

	if cycle != nil {
		cycle.watchdog.Stop()
		cycle.cancel()
		_ = cycle.session.Stop()
		<-cycle.pumpDone
	}
	if !wasIdle {
		c.sink.CaptureStateChanged(domain.CaptureStateIdle, domain.CaptureReasonRecordingDropped)
	}
}

// Status returns the current capture status.
func (c *CaptureController) Status() domain.CaptureStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CaptureStatus{
		State:  c.state,
		Active: c.state != domain.CaptureStateIdle,
	}
}

// release closes the capture scope exactly once per cycle, whether the
// key-up arrived or the watchdog fired first.
func (c *CaptureController) release(cycle *captureCycle, reason domain.CaptureReason) {
	c.mu.Lock()
	if c.current != cycle || c.state != domain.CaptureStateRecording {
		c.mu.Unlock()
		return
	}
	c.state = domain.CaptureStateTranscribing
	c.mu.Unlock()

	cycle.watchdog.Stop()
	c.sink.CaptureStateChanged(domain.CaptureStateTranscribing, reason)

	if err := cycle.session.Stop(); err != nil {
		c.sink.BackendError(domain.ErrorCodeAudioStop, "failed to stop audio capture cleanly")
	}
	<-cycle.pumpDone

	go c.finish(cycle)
}

// finish runs transcription off the UI-facing path and delivers the
// text to the focused session.
func (c *CaptureController) finish(cycle *captureCycle) {
	defer cycle.cancel()

	pcm := cycle.buf.Bytes()
	if len(pcm) == 0 {
		c.settle(cycle, domain.CaptureReasonNoTranscript)
		return
	}

	text, err := c.transcribe.Transcribe(context.Background(), pcm)
	if err != nil {
		c.fail(cycle, domain.CaptureReasonTranscribeFailed, domain.ErrorCodeTranscription, err.Error())
		return
	}
	if text == "" {
		c.settle(cycle, domain.CaptureReasonNoTranscript)
		return
	}

	transformed, err := c.rules.Apply(text)
	if err != nil {
		c.fail(cycle, domain.CaptureReasonRulesFailed, domain.ErrorCodeRules, err.Error())
		return
	}

	if err := c.sender.SendToFocused(context.Background(), transformed); err != nil {
		c.fail(cycle, domain.CaptureReasonNoFocusedSession, domain.ErrorCodeSession, err.Error())
		return
	}
	c.settle(cycle, domain.CaptureReasonTranscriptSent)
}

// settle returns to Idle with a terminal reason.
func (c *CaptureController) settle(cycle *captureCycle, reason domain.CaptureReason) {
	c.mu.Lock()
	if c.current == cycle {
		c.current = nil
	}
	c.state = domain.CaptureStateIdle
	c.mu.Unlock()

	c.sink.CaptureStateChanged(domain.CaptureStateIdle, reason)
}

// fail passes through Failed, surfaces the error, then auto-resets to
// Idle. Transcription errors never crash the state machine.
func (c *CaptureController) fail(cycle *captureCycle, reason domain.CaptureReason, code domain.ErrorCode, detail string) {
	c.mu.Lock()
	if c.current == cycle {
		c.current = nil
	}
	c.state = domain.CaptureStateFailed
	c.mu.Unlock()

	c.sink.CaptureStateChanged(domain.CaptureStateFailed, reason)
	c.sink.BackendError(code, detail)

	c.mu.Lock()
	if c.state == domain.CaptureStateFailed {
		c.state = domain.CaptureStateIdle
	}
	c.mu.Unlock()
	c.sink.CaptureStateChanged(domain.CaptureStateIdle, reason)
}

// pump drains microphone samples into the cycle buffer until the
// capture session ends.
func (c *CaptureController) pump(cycle *captureCycle) {
	defer close(cycle.pumpDone)

	chunk := make([]byte, c.cfg.ChunkSize)
	for {
		n, err := cycle.session.Read(chunk)
		if n > 0 {
			cycle.buf.Write(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.sink.BackendError(domain.ErrorCodeAudioStream, fmt.Sprintf("audio capture error: %v", err))
			}
			return
		}
	}
}

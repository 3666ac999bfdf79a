package main

import (
	"context"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"pkt.systems/pslog"

	"opdesk/internal/bootstrap"
	"opdesk/internal/config"
	"opdesk/internal/domain"
)

const (
	eventSessions = "opdesk:sessions"
	eventStream   = "opdesk:stream"
	eventCapture  = "opdesk:capture"
	eventError    = "opdesk:error"
)

// App is the Wails application root.
type App struct {
	ctx    context.Context
	logger pslog.Logger

	services bootstrap.Services
	cfg      config.Config
	bootErr  error
}

func NewApp(logger pslog.Logger) *App {
	return &App{logger: logger}
}

func (a *App) startup(ctx context.Context) {
	if a.logger != nil {
		ctx = pslog.ContextWithLogger(ctx, a.logger)
	}
	a.ctx = ctx

	services, err := bootstrap.Build(ctx, a)
	if err != nil {
		a.bootErr = err
		a.BackendError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.cfg = services.Config
	a.CaptureStateChanged(domain.CaptureStateIdle, domain.CaptureReasonMicCold)
}

func (a *App) shutdown(ctx context.Context) {
	if a.bootErr != nil {
		return
	}
	a.services.Shutdown(ctx)
}

// OpenSession opens a new conversation tab against the backend,
// locating or launching one as needed.
func (a *App) OpenSession(title string) (domain.SessionSnapshot, error) {
	if err := a.requireReady(); err != nil {
		return domain.SessionSnapshot{}, err
	}
	snapshot, err := a.services.Sessions.OpenSession(a.ctx, title)
	if err != nil {
		a.BackendError(domain.ErrorCodeDiscovery, err.Error())
		return domain.SessionSnapshot{}, err
	}
	return snapshot, nil
}

// CloseSession closes one conversation tab.
func (a *App) CloseSession(id string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Sessions.CloseSession(a.ctx, id)
}

// FocusSession moves the focused pointer to the given tab.
func (a *App) FocusSession(id string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Sessions.Focus(id)
}

// SendText sends typed input to the focused session.
func (a *App) SendText(text string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.services.Sessions.SendToFocused(a.ctx, text); err != nil {
		a.BackendError(domain.ErrorCodeSession, err.Error())
		return err
	}
	return nil
}

// CancelSession aborts the in-flight request on one session.
func (a *App) CancelSession(id string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Sessions.Cancel(a.ctx, id)
}

// GetSessions returns the current conversation tabs.
func (a *App) GetSessions() []domain.SessionSnapshot {
	if a.bootErr != nil || a.services.Sessions == nil {
		return nil
	}
	return a.services.Sessions.Snapshots()
}

// StartPTT starts push-to-talk recording on key-down.
func (a *App) StartPTT() (domain.CaptureStatus, error) {
	if err := a.requireReady(); err != nil {
		return domain.CaptureStatus{}, err
	}
	if err := a.services.Capture.Press(a.ctx); err != nil {
		return domain.CaptureStatus{}, err
	}
	return a.services.Capture.Status(), nil
}

// StopPTT releases the recording on key-up; transcription and delivery
// run in the background.
func (a *App) StopPTT() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Capture.Release()
}

// CancelPTT discards an in-progress recording without transcribing.
func (a *App) CancelPTT() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.services.Capture.CancelCapture()
	return nil
}

// GetCaptureStatus returns the current push-to-talk status.
func (a *App) GetCaptureStatus() domain.CaptureStatus {
	if a.services.Capture == nil {
		if a.bootErr != nil {
			return domain.CaptureStatus{State: domain.CaptureStateFailed, Message: a.bootErr.Error()}
		}
		return domain.CaptureStatus{State: domain.CaptureStateIdle}
	}
	return a.services.Capture.Status()
}

// CopyToClipboard writes assistant output into the system clipboard.
func (a *App) CopyToClipboard(text string) error {
	if a.ctx == nil {
		return fmt.Errorf("application is not initialized")
	}
	if err := runtime.ClipboardSetText(a.ctx, text); err != nil {
		a.BackendError(domain.ErrorCodeClipboard, err.Error())
		return err
	}
	return nil
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"backendBinary":    a.cfg.Backend.Binary,
		"backendHostname":  a.cfg.Backend.Hostname,
		"provider":         "Deepgram",
		"model":            a.cfg.Deepgram.Model,
		"language":         a.cfg.Deepgram.Language,
		"rulesFile":        a.cfg.Rules.Path,
		"historyDB":        a.cfg.History.Path,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.services.Sessions == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionsChanged emits the updated tab list to the frontend.
func (a *App) SessionsChanged(snapshots []domain.SessionSnapshot) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSessions, snapshots)
}

// StreamEvent emits one decoded streaming event to the frontend.
func (a *App) StreamEvent(event domain.StreamEvent) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventStream, event)
}

// CaptureStateChanged emits push-to-talk lifecycle updates.
func (a *App) CaptureStateChanged(state domain.CaptureState, reason domain.CaptureReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventCapture, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": captureReasonMessage(reason),
	})
}

// BackendError emits backend errors to the UI.
func (a *App) BackendError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func captureReasonMessage(reason domain.CaptureReason) string {
	switch reason {
	case domain.CaptureReasonMicCold:
		return "Mic cold"
	case domain.CaptureReasonRecordingStarted:
		return "Recording started"
	case domain.CaptureReasonTranscribing:
		return "Recording stopped. Transcribing..."
	case domain.CaptureReasonWatchdogReleased:
		return "Hold limit reached; transcribing captured audio"
	case domain.CaptureReasonTranscriptSent:
		return "Transcript sent to focused session"
	case domain.CaptureReasonRecordingDropped:
		return "Recording discarded"
	case domain.CaptureReasonNoTranscript:
		return "No transcript captured"
	case domain.CaptureReasonTranscribeFailed:
		return "Transcription failed"
	case domain.CaptureReasonNoFocusedSession:
		return "No focused session to deliver to"
	case domain.CaptureReasonRulesFailed:
		return "Rules processing failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeDiscovery:
		return "No backend available"
	case domain.ErrorCodeBackendLost:
		return "Backend connection lost"
	case domain.ErrorCodeSession:
		return "Session error"
	case domain.ErrorCodeAudioStop:
		return "Audio stop issue"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodeClipboard:
		return "Clipboard write failed"
	case domain.ErrorCodeRules:
		return "Rules processing failed"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeHistory:
		return "History write failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

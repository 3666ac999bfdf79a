package bootstrap

import (
	"context"

	"pkt.systems/pslog"

	"opdesk/internal/audio"
	"opdesk/internal/auth"
	"opdesk/internal/backend"
	"opdesk/internal/config"
	"opdesk/internal/discovery"
	"opdesk/internal/history"
	"opdesk/internal/ports"
	"opdesk/internal/providers/deepgram"
	"opdesk/internal/rules"
	"opdesk/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Sessions *usecase.SessionManager
	Capture  *usecase.CaptureController
	History  *history.Store
	Spawner  *discovery.Spawner
	Config   config.Config
}

// Build wires all backend dependencies for the current runtime and
// starts the crash watcher.
func Build(ctx context.Context, eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return Services{}, err
	}

	prober := discovery.NewHTTPProber(cfg.Backend.HealthPath, cfg.Backend.ProbeTimeout)
	spawner := discovery.NewSpawner(cfg.Backend, prober)
	coordinator := discovery.NewCoordinator(
		discovery.NewExecScanner(cfg.Backend.Binary, cfg.Backend.CandidateExes),
		prober,
		spawner,
		cfg.Backend.Hostname,
	)

	tokens := auth.NewFileTokenSource(cfg.AuthPath, nil)
	dialer := backend.NewDialer(tokens)

	sessions := usecase.NewSessionManager(coordinator, dialer, store, eventSink, usecase.ManagerConfig{
		RetryMax:     cfg.Backend.RetryMax,
		RetryInitial: cfg.Backend.RetryInitial,
	})
	go sessions.WatchCrashes(ctx, coordinator.Crashes())

	capture := usecase.NewCaptureController(
		audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
		deepgram.NewTranscriber(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
		}),
		rulesEngine,
		sessions,
		eventSink,
		usecase.CaptureConfig{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
				StopGrace:   cfg.Capture.StreamGrace,
			},
			ChunkSize: cfg.Capture.ChunkSize,
			MaxHold:   cfg.Capture.MaxHold,
		},
	)

	pslog.Ctx(ctx).Debug("runtime graph assembled",
		"backend_binary", cfg.Backend.Binary,
		"history_db", cfg.History.Path,
	)

	return Services{
		Sessions: sessions,
		Capture:  capture,
		History:  store,
		Spawner:  spawner,
		Config:   cfg,
	}, nil
}

// Shutdown tears down the runtime graph in dependency order.
func (s Services) Shutdown(ctx context.Context) {
	s.Capture.CancelCapture()
	s.Sessions.Shutdown(ctx)
	s.Spawner.Stop()
	if s.History != nil {
		_ = s.History.Close()
	}
}

package main

import (
	"embed"
	"log"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"pkt.systems/pslog"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	app := NewApp(logger)

	err := wails.Run(&options.App{
		Title:  "opdesk",
		Width:  1100,
		Height: 760,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		logger.Error("application exited", "error", err)
		os.Exit(1)
	}
}

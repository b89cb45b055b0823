package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phamanh/gemini-bridge/internal/api"
	"github.com/phamanh/gemini-bridge/internal/api/handlers"
	"github.com/phamanh/gemini-bridge/internal/auth"
	"github.com/phamanh/gemini-bridge/internal/bootstrap"
	"github.com/phamanh/gemini-bridge/internal/buildinfo"
	"github.com/phamanh/gemini-bridge/internal/config"
	"github.com/phamanh/gemini-bridge/internal/logging"
	"github.com/phamanh/gemini-bridge/internal/runtime/executor"
	"github.com/phamanh/gemini-bridge/internal/session"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
	"github.com/phamanh/gemini-bridge/internal/translator/ledger"
	"github.com/phamanh/gemini-bridge/internal/usage"
	"github.com/phamanh/gemini-bridge/internal/websearch"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	RunE: func(c *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the listen port")
}

func runServe() error {
	res, err := bootstrap.Bootstrap(cfgFile)
	if err != nil {
		return err
	}
	cfg := res.Config
	if servePort != 0 {
		cfg.Port = servePort
	}

	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		logging.SetFileOutput(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ts, err := auth.TokenSource(ctx, credsFile)
	if err != nil {
		return fmt.Errorf("load backend credentials (log in with the Gemini CLI first): %w", err)
	}

	client, err := executor.NewClient(ts, executor.Options{
		Endpoint:          cfg.Endpoint,
		UserAgent:         ir.FormatUserAgent("gemini-bridge", buildinfo.Version),
		ProxyURL:          cfg.ProxyURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	if err != nil {
		return err
	}

	store := config.NewStore(cfg)
	if res.ConfigFilePath != "" {
		err := store.Watch(res.ConfigFilePath, func(next *config.Config) {
			logging.SetLevel(logging.ParseLevel(next.Logging.Level))
			logging.Info("configuration reloaded")
		})
		if err != nil {
			logging.WithError(err).Warn("config hot reload unavailable")
		} else {
			defer store.Close()
		}
	}

	var recorder *usage.Recorder
	if cfg.Usage.Enabled {
		recorder, err = usage.NewRecorder(cfg.Usage.DBPath)
		if err != nil {
			logging.WithError(err).Warn("usage recording disabled")
		} else {
			recorder.Start()
			defer recorder.Stop()
		}
	}

	h := handlers.New(handlers.Deps{
		Config:    store,
		Client:    client,
		Ledger:    ledger.New(),
		Sessions:  session.NewManager(),
		Resolver:  websearch.NewResolver(),
		Usage:     recorder,
		UserAgent: ir.FormatUserAgent("gemini-bridge", buildinfo.Version),
	})

	return api.NewServer(store, h).Run(ctx)
}

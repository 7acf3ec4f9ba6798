package main

import (
	"context"
	"os/signal"
	"syscall"

	farmagent "github.com/emufarm/FarmAgent"
	"github.com/emufarm/FarmAgent/internal/config"
	"github.com/emufarm/FarmAgent/internal/feishu"
	"github.com/emufarm/FarmAgent/internal/providers/adb"
	"github.com/emufarm/FarmAgent/internal/store"
	"github.com/emufarm/FarmAgent/units"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		dbPath  string
		gameApp string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling engine against all connected devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			engine, closeStore, err := buildEngine(ctx, dbPath, gameApp)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("engine stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.String("FARMAGENT_DB_PATH", "farmagent.sqlite"), "account database path, overrides FARMAGENT_DB_PATH")
	cmd.Flags().StringVar(&gameApp, "app", config.String("GAME_APP", ""), "game package name, overrides GAME_APP")
	return cmd
}

func newScanCmd() *cobra.Command {
	var (
		dbPath  string
		gameApp string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan cycle and print the queued batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, closeStore, err := buildEngine(ctx, dbPath, gameApp)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := engine.ScanOnce(ctx); err != nil {
				return err
			}
			batches := engine.Dispatcher().QueueSnapshot()
			for _, b := range batches {
				log.Info().
					Str("account_id", b.AccountID).
					Int("intents", b.Intents).
					Time("enqueued_at", b.EnqueuedAt).
					Msg("batch queued")
			}
			log.Info().Int("batches", len(batches)).Msg("scan cycle done")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.String("FARMAGENT_DB_PATH", "farmagent.sqlite"), "account database path, overrides FARMAGENT_DB_PATH")
	cmd.Flags().StringVar(&gameApp, "app", config.String("GAME_APP", ""), "game package name, overrides GAME_APP")
	return cmd
}

func buildEngine(ctx context.Context, dbPath, gameApp string) (*farmagent.Engine, func(), error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store failed")
		}
	}

	sys, err := st.LoadSystemConfig(ctx)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	gateway, err := adb.NewDefault()
	if err != nil {
		closeStore()
		return nil, nil, errors.Wrap(err, "connect adb server failed")
	}

	registry := farmagent.NewRegistry()
	if err := units.RegisterBuiltins(registry, gameApp); err != nil {
		closeStore()
		return nil, nil, err
	}

	var recorder farmagent.FleetRecorder = farmagent.NoopFleetRecorder{}
	if rec, err := feishu.NewRecorderFromEnv(); err != nil {
		log.Info().Err(err).Msg("fleet recorder disabled")
	} else {
		recorder = rec
		log.Info().Msg("fleet recorder enabled")
	}

	cfg := farmagent.Config{
		Scanner: farmagent.ScannerConfig{
			Interval:         sys.ScanInterval,
			AccountsPerCycle: config.Int("SCAN_ACCOUNTS_PER_CYCLE", 0),
			SignatureTTL:     sys.SignatureTTL,
		},
		Dispatcher: farmagent.DispatcherConfig{AgentVersion: version},
		Worker: farmagent.WorkerConfig{
			StaleTimeout:    sys.StaleTimeout,
			MaxRescanRounds: sys.MaxRescanRounds,
		},
		GameApp: gameApp,
	}
	engine, err := farmagent.NewEngine(ctx, cfg, farmagent.Dependencies{
		Store:    st,
		Registry: registry,
		Gateway:  gateway,
		Recorder: recorder,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return engine, closeStore, nil
}

package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/itskum47/FleetRoll/control_plane/coordination"
	"github.com/itskum47/FleetRoll/control_plane/execution"
	"github.com/itskum47/FleetRoll/control_plane/idempotency"
	"github.com/itskum47/FleetRoll/control_plane/middleware"
	"github.com/itskum47/FleetRoll/control_plane/planner"
	"github.com/itskum47/FleetRoll/control_plane/store"
	"github.com/itskum47/FleetRoll/control_plane/streaming"
	"github.com/itskum47/FleetRoll/control_plane/timeline"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fleetroll",
	Short: "Staged fleet update rollout control plane",
	Long: `fleetroll resolves which devices an update affects, plans a graduated
rollout (test batches before mass rollout) and drives its execution batch by
batch, tracking per-device results and monitoring windows.`,
	SilenceUsage: true,
}

func init() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(newServeCmd(), newMigrateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetroll command failed")
	}
}

func loadConfigAndLogging() (Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigAndLogging()
			if err != nil {
				return err
			}
			if cfg.PostgresURL == "" {
				return errors.New("migrate requires postgres_url")
			}
			pg, err := store.NewPostgresStore(cmd.Context(), cfg.PostgresURL)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("schema is up to date")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP API and rollout monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigAndLogging()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// openStore returns the durable store and a close func.
func openStore(ctx context.Context, cfg Config) (store.Store, func(), error) {
	if cfg.Store != "postgres" {
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	log.Info().Msg("connected to postgres")
	return pg, pg.Close, nil
}

func serve(ctx context.Context, cfg Config) error {
	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis is optional: single-node deployments coordinate in process.
	var redisStore *store.RedisStore
	if cfg.RedisAddr != "" {
		redisStore, err = store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis for coordination")
	}

	tl := timeline.NewStore(timeline.DefaultRetention)
	hub := NewEventHub()
	publisher := streaming.Multi(streaming.NewLogPublisher(), hub, tl)
	defer publisher.Close()

	dispatcher := NewHTTPDispatcher(cfg.Dispatch)
	engineOpts := []execution.Option{
		execution.WithPublisher(publisher),
		execution.WithDispatcher(dispatcher),
	}

	idem := idempotency.NewStore()
	var elector *coordination.LeaderElector
	gate := func() bool { return true }
	if redisStore != nil {
		engineOpts = append(engineOpts, execution.WithLocker(coordination.NewRedisLocker(redisStore, cfg.NodeID, cfg.LockTTL)))
		idem = idempotency.NewBackedStore(redisStore, cfg.IdempotencyTTL)
		elector = coordination.NewLeaderElector(redisStore, cfg.NodeID, cfg.LeaderTTL)
		gate = elector.IsLeader
	} else {
		log.Warn().Msg("redis not configured, running monitors in standalone mode (unsafe for HA)")
	}

	engine := execution.NewEngine(s, engineOpts...)
	pl := planner.NewPlanner(s, planner.WithMonitoringPeriod(cfg.MonitoringPeriodHours))

	dispatcher.Start(ctx)
	go hub.Run(ctx)

	coordination.NewRolloutMonitor(s, engine, cfg.MonitorInterval, cfg.AutoAdvance).OnlyWhen(gate).Start(ctx)
	coordination.NewDeviceMonitor(s, cfg.LivenessInterval, cfg.HeartbeatTimeout).OnlyWhen(gate).Start(ctx)

	if elector != nil {
		elector.SetCallbacks(
			func(context.Context) { log.Info().Msg("elected leader, rollout monitors active") },
			func() { log.Warn().Msg("lost leadership, rollout monitors paused") },
		)
		elector.Start(ctx)
	}

	api := NewAPI(APIDeps{
		Store:       s,
		Planner:     pl,
		Engine:      engine,
		Timeline:    tl,
		Hub:         hub,
		Elector:     elector,
		Idempotency: idem,
		ResultRate:  cfg.ResultRate,
		ResultBurst: cfg.ResultBurst,
		NodeID:      cfg.NodeID,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.RequestLogger(middleware.CORSMiddleware(cfg.CORSOrigins)(api.Routes())),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("node_id", cfg.NodeID).
		Str("store", cfg.Store).
		Bool("auto_advance", cfg.AutoAdvance).
		Int("monitoring_period_hours", cfg.MonitoringPeriodHours).
		Msg("fleetroll control plane listening")

	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	dispatcher.Wait()
	log.Info().Msg("fleetroll control plane stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridserve/gridserve/core/logx"
	"github.com/gridserve/gridserve/internal/auth"
	"github.com/gridserve/gridserve/internal/config"
	"github.com/gridserve/gridserve/internal/dispatch"
	"github.com/gridserve/gridserve/internal/metrics"
	"github.com/gridserve/gridserve/internal/server"
	"github.com/gridserve/gridserve/internal/telemetry"
	"github.com/gridserve/gridserve/internal/worker"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override the file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridserve version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	reg := worker.NewRegistry()
	for i := 0; i < cfg.InitialWorkers; i++ {
		reg.Add(fmt.Sprintf("sim-gpu-%02d", i+1))
	}
	sim := worker.NewSimulator(reg, cfg.HeartbeatInterval)
	go sim.Run(ctx)

	exec := dispatch.NewSimExecutor(cfg.SimMinLatency, cfg.SimMaxLatency, cfg.SimFailureRate)
	disp := dispatch.New(reg, exec, cfg.TaskRetention)
	go disp.Run(ctx)

	recorder := telemetry.NewRecorder(telemetry.DefaultRetention)
	agg := telemetry.NewAggregator(reg, disp, recorder)

	keys, closeKeys, err := buildKeyStore(ctx, &cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("init api key store")
	}
	defer closeKeys()

	inflight := &server.Counter{}
	handler := server.New(server.Deps{
		Config:     cfg,
		Workers:    reg,
		Dispatcher: disp,
		Aggregator: agg,
		Recorder:   recorder,
		Keys:       keys,
		Prom:       preg,
		Inflight:   inflight,
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	go func() {
		logx.Log.Info().Int("port", cfg.Port).Int("workers", cfg.InitialWorkers).Str("version", version).Msg("gridserve listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Fatal().Err(err).Msg("http server")
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	<-ctx.Done()
	logx.Log.Info().Msg("shutting down")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelDrain()
	if !inflight.Wait(drainCtx) {
		logx.Log.Warn().Int64("in_flight", inflight.Load()).Msg("drain timeout; closing with requests in flight")
	}
	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	_ = srv.Shutdown(shutCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
	logx.Log.Info().Msg("bye")
}

// buildKeyStore picks the Redis-backed store when configured, otherwise an
// in-memory store seeded from config. With no keys at all, a key is generated
// and logged so a fresh install is immediately usable.
func buildKeyStore(ctx context.Context, cfg *config.ServerConfig) (auth.KeyStore, func(), error) {
	if cfg.RedisAddr != "" {
		rs, err := auth.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		if err := rs.Seed(ctx, cfg.APIKeys); err != nil {
			logx.Log.Warn().Err(err).Msg("seed api keys")
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	if len(cfg.APIKeys) == 0 {
		key := "gs-" + uuid.NewString()
		cfg.APIKeys = config.APIKeyMap{"default": key}
		logx.Log.Warn().Str("api_key", key).Msg("no api keys configured; generated one")
	}
	return auth.NewMemoryStore(cfg.APIKeys), func() {}, nil
}

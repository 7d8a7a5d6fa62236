package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"shopfloor.dev/internal/app"
	"shopfloor.dev/internal/config"
	"shopfloor.dev/internal/grpcapi"
	"shopfloor.dev/internal/httpapi"
	"shopfloor.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $SHOPFLOOR_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	logger := obs.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("open store")
	}
	defer store.Close()

	svc, err := app.Build(cfg, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("build services")
	}

	probe := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(svc.Auth, svc.Engine, svc.Templates, probe, httpapi.Options{
		Version:        version,
		Logger:         logger,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateBurst:      cfg.HTTP.RateLimitBurst,
		RatePerSec:     cfg.HTTP.RateLimitRPS,
		LoginPerMinute: cfg.HTTP.LoginPerMinute,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		Events:         svc.Events,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	logger.Info().Str("version", version).Str("addr", srv.Addr).Str("store", cfg.Database.Driver).Msg("starting shopfloor-api")
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var gs *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.GRPC.Addr).Msg("grpc listen")
		}
		gs = grpc.NewServer(grpc.ChainUnaryInterceptor(
			grpcapi.UnaryLogger(logger),
			grpcapi.UnaryAuth(svc.Auth),
		))
		qs := grpcapi.NewServer(svc.Engine)
		qs.Register(gs)
		g.Go(func() error {
			qs.WatchReadiness(gctx, probe, 10*time.Second)
			return nil
		})
		logger.Info().Str("addr", cfg.GRPC.Addr).Msg("starting grpc")
		g.Go(func() error { return gs.Serve(lis) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if gs != nil {
			done := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-shutdownCtx.Done():
				gs.Stop()
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("stopped")
}

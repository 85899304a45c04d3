package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	grpcapi "speech-relay-service/internal/api/grpc"
	"speech-relay-service/internal/app"
	"speech-relay-service/internal/config"
	httpapi "speech-relay-service/internal/http"
	"speech-relay-service/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	// Observability server: /metrics, /healthz, /readyz
	obs := observability.NewServer(":"+cfg.Service.MetricsPort, nil, application.Ready)
	obs.Start()

	grpcServer := grpcapi.New(application.Metrics)
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen for gRPC")
	}
	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("gRPC server started")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC serve failed")
		}
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Service.HTTPPort).Msg("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()

	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}
	grpcServer.SetServing(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	grpcServer.SetServing(false)
	// Relays run on hijacked connections, which http.Server.Shutdown does
	// not track; the application closes them.
	if err := application.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Application shutdown incomplete")
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	grpcServer.GracefulStop()
	if err := obs.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Observability shutdown incomplete")
	}
}

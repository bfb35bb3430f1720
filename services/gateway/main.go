package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainmux/internal/config"
	"chainmux/internal/cors"
	"chainmux/internal/directory"
	"chainmux/internal/health"
	"chainmux/internal/helpers"
	"chainmux/internal/metrics"
	"chainmux/internal/pool"
	"chainmux/internal/rpcmux"
	"chainmux/internal/server"
	"chainmux/internal/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// main initializes and starts the RPC gateway service
func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	// Parse CLI flags and load configuration
	flagConfig := helpers.ParseFlags()
	appConfig := flagConfig.LoadConfiguration()

	// Set the requested log level if it's valid, otherwise default to info
	if level, err := zerolog.ParseLevel(appConfig.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("LOG_LEVEL", appConfig.LogLevel).Msg("Invalid log level, defaulting to Info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Start the metrics server if enabled
	if appConfig.MetricsEnabled {
		log.Info().Int("port", appConfig.MetricsPort).Msg("Prometheus metrics server enabled")
		metrics.StartServer(appConfig.MetricsPort, appConfig.CorsHeaders, appConfig.CorsMethods, appConfig.CorsOrigin)
	}

	// Load chain configuration
	cfg, err := config.LoadConfig(appConfig.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Print the loaded configuration to see the substitutions
	log.Info().Msg("RPC Gateway - Loaded configuration:")
	for chainName, chain := range cfg.Chains {
		log.Info().Str("chain", chainName).Bool("testnet", chain.Testnet).Uint64("evm_chain_id", chain.EVMChainID).Msg("Chain configuration")
		for _, rpc := range chain.RPCs {
			log.Info().
				Str("chain", chainName).
				Str("provider", rpc.Provider).
				Str("url", helpers.RedactAPIKey(rpc.URL)).
				Msg("Endpoint configuration")
		}
	}

	// Initialize Redis client
	redisAddr := appConfig.RedisHost + ":" + appConfig.RedisPort
	redisClient := store.NewRedisClient(redisAddr, appConfig.RedisPass, appConfig.RedisSkipTLSCheck, appConfig.RedisUseTLS)
	if err := redisClient.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Run the integrated health checker so endpoint ordering has fresh data
	if appConfig.HealthCheckInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		checker := health.NewChecker(cfg, redisClient, time.Duration(appConfig.HealthCheckInterval)*time.Second)
		if appConfig.ProbeTimeout > 0 {
			checker.SetProbeTimeout(time.Duration(appConfig.ProbeTimeout) * time.Second)
		}

		log.Info().Int("interval_seconds", appConfig.HealthCheckInterval).Msg("Starting integrated health check service")
		go checker.Start(ctx)
	}

	// Wire the dispatch stack: directory -> pool -> multiplexer
	dir := directory.New(cfg, redisClient, time.Duration(appConfig.HealthCacheTTL)*time.Second)
	connPool := pool.NewPool(dir)
	connPool.SetIntervals(
		time.Duration(appConfig.ReconnectInterval)*time.Second,
		time.Duration(appConfig.KeepaliveInterval)*time.Second,
	)
	dispatcher := rpcmux.New(connPool)
	dispatcher.SetReadyTimeouts(
		time.Duration(appConfig.SendReadyTimeout)*time.Second,
		time.Duration(appConfig.SubscribeReadyTimeout)*time.Second,
	)

	// Initialize and start the server
	srv := server.NewServer(cfg, dispatcher, redisClient)
	srv.AddMiddleware(func(next http.Handler) http.Handler {
		return cors.Middleware(next, appConfig.CorsHeaders, appConfig.CorsMethods, appConfig.CorsOrigin)
	})
	if appConfig.MetricsEnabled {
		srv.AddMiddleware(metrics.Middleware)
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(appConfig.ServerPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-stop
	log.Info().Msg("Shutting down server...")
	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}
}

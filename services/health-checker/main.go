package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainmux/internal/config"
	"chainmux/internal/health"
	"chainmux/internal/helpers"
	"chainmux/internal/metrics"
	"chainmux/internal/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// onModeDetected is a test hook for registering the detected mode. It is set by tests only.
var onModeDetected func(string)

// Allow patching in tests
var newStoreClient func(addr string, password string, skipTLSVerify bool, useTLS bool) store.Client = func(addr string, password string, skipTLSVerify bool, useTLS bool) store.Client {
	return store.NewRedisClient(addr, password, skipTLSVerify, useTLS)
}
var loadConfig = config.LoadConfig

// testCheckerPatch is a test hook for patching the Checker instance in tests
var testCheckerPatch func(*health.Checker)

// testExitAfterSetup is a test hook to exit main after setup in tests
var testExitAfterSetup bool

// RunHealthChecker runs the health checker service with the given configuration.
func RunHealthChecker(
	configFile string,
	corsHeaders string,
	corsMethods string,
	corsOrigin string,
	healthCheckInterval int,
	metricsEnabled bool,
	metricsPort int,
	probeTimeout int,
	redisHost string,
	redisPass string,
	redisPort string,
	redisSkipTLSCheck bool,
	redisUseTLS bool,
	serverPort int,
) {
	mode := ""

	if healthCheckInterval <= 0 {
		mode = "disabled"
		if onModeDetected != nil {
			onModeDetected(mode)
		}
		if testExitAfterSetup {
			return
		}
		log.Warn().Msg("HEALTH_CHECK_INTERVAL=0, health checker has nothing to do. Exiting.")
		return
	}

	// Start the metrics server if enabled
	if metricsEnabled {
		log.Info().Int("port", metricsPort).Msg("Prometheus metrics server enabled")
		metrics.StartServer(metricsPort, corsHeaders, corsMethods, corsOrigin)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Health Checker Service - Loaded configuration:")
	for chainName, chain := range cfg.Chains {
		log.Info().Str("chain", chainName).Msg("Chain configuration")
		for _, rpc := range chain.RPCs {
			log.Info().
				Str("chain", chainName).
				Str("provider", rpc.Provider).
				Str("url", helpers.RedactAPIKey(rpc.URL)).
				Msg("Endpoint configuration")
		}
	}

	redisAddr := redisHost + ":" + redisPort
	storeClient := newStoreClient(redisAddr, redisPass, redisSkipTLSCheck, redisUseTLS)
	if err := storeClient.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer storeClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker := health.NewChecker(cfg, storeClient, time.Duration(healthCheckInterval)*time.Second)
	if probeTimeout > 0 {
		checker.SetProbeTimeout(time.Duration(probeTimeout) * time.Second)
	}

	if testCheckerPatch != nil {
		testCheckerPatch(checker)
	}

	mode = "standalone"
	if onModeDetected != nil {
		onModeDetected(mode)
	}
	if testExitAfterSetup {
		return
	}

	// Liveness/readiness probes for the orchestrator
	probeServer := health.NewProbeServer(serverPort, checker)
	probeServer.Start()

	log.Info().Int("interval_seconds", healthCheckInterval).Msg("Starting standalone health check service")
	go checker.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("Shutting down health checker service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := probeServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during probe server shutdown")
	}
}

// main initializes and starts the health checker service
func main() {
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

	RunHealthChecker(
		appConfig.ConfigFile,
		appConfig.CorsHeaders,
		appConfig.CorsMethods,
		appConfig.CorsOrigin,
		appConfig.HealthCheckInterval,
		appConfig.MetricsEnabled,
		appConfig.MetricsPort,
		appConfig.ProbeTimeout,
		appConfig.RedisHost,
		appConfig.RedisPass,
		appConfig.RedisPort,
		appConfig.RedisSkipTLSCheck,
		appConfig.RedisUseTLS,
		appConfig.ServerPort,
	)
}

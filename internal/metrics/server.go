package metrics

import (
	"fmt"
	"net/http"

	"chainmux/internal/cors"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StartServer starts a dedicated HTTP server in a goroutine to expose the
// /metrics endpoint.
func StartServer(port int, corsHeaders, corsMethods, corsOrigin string) {
	go func() {
		handler := http.NewServeMux()
		handler.Handle("/metrics", promhttp.Handler())

		addr := fmt.Sprintf(":%d", port)
		log.Info().Str("address", addr).Msg("Starting metrics server")

		if err := http.ListenAndServe(addr, cors.Middleware(handler, corsHeaders, corsMethods, corsOrigin)); err != nil {
			log.Fatal().Err(err).Msg("Metrics server failed to start")
		}
	}()
}

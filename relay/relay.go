// Package relay contains the signaling server that forwards call envelopes
// between registered clients.
package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"ringlink/broker"
	"ringlink/database/memory"
	"ringlink/metric"
	"ringlink/relay/controller"
	"ringlink/relay/handler"
	"ringlink/relay/middleware"
)

// Relay contains the server and configuration.
type Relay struct {
	server *http.Server
	conf   Config
}

// New creates a new instance of Relay.
func New(config Config, metrics *metric.Metrics) *Relay {
	brk := broker.New()
	db := memory.New()
	con := controller.New(brk, db, metrics)

	mux := http.NewServeMux()
	mux.Handle("/ws", handler.New(con))

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", config.Port),
		ReadTimeout: 2 * time.Second,
		Handler:     middleware.Set(mux, middleware.NewLogger()),
	}
	return &Relay{
		server: srv,
		conf:   config,
	}
}

// Start runs the relay server.
func (r *Relay) Start() error {
	if r.conf.CertFile == "" || r.conf.KeyFile == "" {
		log.Info().Str("module", "relay").Msgf("starting server on port %d, without TLS", r.conf.Port)
		if err := r.server.ListenAndServe(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	}

	log.Info().Str("module", "relay").Msgf("starting server on port %d, with TLS", r.conf.Port)
	if err := r.server.ListenAndServeTLS(r.conf.CertFile, r.conf.KeyFile); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the relay server.
func (r *Relay) Stop() error {
	if r.server != nil {
		return r.server.Close()
	}
	return nil
}

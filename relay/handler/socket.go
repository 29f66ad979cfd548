// Package handler upgrades HTTP requests to websocket connections.
package handler

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"ringlink/pkg/socket"
	"ringlink/relay/controller"
)

// Handler hands upgraded connections to the controller.
type Handler struct {
	controller *controller.Controller
}

// New creates a new Handler.
func New(c *controller.Controller) *Handler {
	return &Handler{
		controller: c,
	}
}

// ServeHTTP handles the HTTP request and upgrades it to websocket connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := socket.New(w, r)
	if err != nil {
		return
	}
	defer func() {
		if err := sock.Close(); err != nil {
			log.Debug().Str("module", "relay").Err(err).Msg("failed to close connection")
		}
	}()
	if err := h.controller.Process(sock); err != nil {
		log.Debug().Str("module", "relay").Err(err).Msg("connection closed")
	}
}

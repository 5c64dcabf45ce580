package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/directory"
)

// Service bundles the connection manager and HTTP handlers behind one
// start/stop lifecycle.
type Service struct {
	manager *ConnectionManager
	handler *Handler
}

// Config holds gateway configuration.
type Config struct {
	Connection ConnectionConfig
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{Connection: DefaultConnectionConfig()}
}

// NewService wires the gateway over a room directory.
func NewService(cfg Config, dir *directory.Directory) *Service {
	manager := NewConnectionManager(cfg.Connection)
	return &Service{
		manager: manager,
		handler: NewHandler(manager, dir),
	}
}

// Start runs the broadcast loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.manager.Start(ctx)
	log.Info().Msg("room gateway started")
}

// RegisterRoutes attaches the gateway's routes to the mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.handler.RegisterRoutes(mux)
	log.Info().Msg("room gateway routes registered")
}

// Manager exposes the connection manager for the NATS bridge.
func (s *Service) Manager() *ConnectionManager {
	return s.manager
}

package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/filmroom/go/internal/events"
)

// Service is the session gateway: it owns the websocket rooms, the fanout
// loop, and the JetStream ingestion of persisted point/note changes. API
// handlers receive it as their Event Broadcaster at construction time.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	eventConsumer     *EventConsumer
}

// Config holds configuration for the session gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConsumerConfig
}

// DefaultConfig returns default configuration for the session gateway.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
	}
}

// NewService creates a new session gateway service. Bind the viewer layer
// with SetPresenceHandler before Start.
func NewService(config Config) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig)
	wsHandler := NewWebSocketHandler(connectionManager)

	eventConsumer, err := NewEventConsumer(connectionManager, config.JetStreamConfig)
	if err != nil {
		return nil, fmt.Errorf("create event consumer: %w", err)
	}

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         wsHandler,
		eventConsumer:     eventConsumer,
	}, nil
}

// SetPresenceHandler binds the viewer presence layer.
func (s *Service) SetPresenceHandler(presence PresenceHandler) {
	s.connectionManager.SetPresenceHandler(presence)
}

// Start begins the gateway service and blocks until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting session gateway service")

	go s.connectionManager.Start(ctx)

	go func() {
		if err := s.eventConsumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("session gateway service shutting down")
	return s.Stop()
}

// Stop gracefully shuts down the gateway service.
func (s *Service) Stop() error {
	if err := s.eventConsumer.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop event consumer")
	}
	log.Info().Msg("session gateway service stopped")
	return nil
}

// RegisterRoutes registers the websocket HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("session gateway routes registered")
}

// Publish sends an event to every member of a session's room.
func (s *Service) Publish(sessionID uuid.UUID, event *events.Event) {
	s.connectionManager.Publish(sessionID, event)
}

// PublishExcept sends an event to every room member except one connection.
func (s *Service) PublishExcept(sessionID uuid.UUID, event *events.Event, excludeConnID string) {
	s.connectionManager.PublishExcept(sessionID, event, excludeConnID)
}

// Stats returns statistics about the gateway service.
func (s *Service) Stats() map[string]interface{} {
	stats := s.connectionManager.Stats()
	stats["service"] = "session_gateway"
	return stats
}

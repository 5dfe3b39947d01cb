package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/mcdev12/filmroom/go/internal/gateway"
	"github.com/mcdev12/filmroom/go/internal/presence"
	"github.com/mcdev12/filmroom/go/internal/sessions"
	"github.com/mcdev12/filmroom/go/internal/viewer"
)

type Services struct {
	Store         *presence.Store
	Arbiter       *presence.Arbiter
	Reaper        *presence.Reaper
	Gateway       *gateway.Service
	ViewerHandler *viewer.Handler
}

func setupServices(pool *pgxpool.Pool, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Storage layer → presence layer → gateway → viewer surface

	visibleWindow, reaperConfig, err := presenceConfig(config)
	if err != nil {
		return nil, fmt.Errorf("resolve presence config: %w", err)
	}

	clock := clockwork.NewRealClock()
	repo := sessions.NewRepository(pool)

	store := presence.NewStore(clock)
	arbiter := presence.NewArbiter(store, repo, visibleWindow)

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.JetStreamConfig.URL = getEnv("NATS_URL", nats.DefaultURL)
	sessionGateway, err := gateway.NewService(gatewayConfig)
	if err != nil {
		return nil, fmt.Errorf("create session gateway: %w", err)
	}

	viewerApp := viewer.NewApp(store, arbiter, sessionGateway, repo, visibleWindow)
	sessionGateway.SetPresenceHandler(viewerApp)

	reaper := presence.NewReaper(store, arbiter, sessionGateway, clock, reaperConfig)

	return &Services{
		Store:         store,
		Arbiter:       arbiter,
		Reaper:        reaper,
		Gateway:       sessionGateway,
		ViewerHandler: viewer.NewHandler(viewerApp),
	}, nil
}

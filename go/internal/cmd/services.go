package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/acadops/examsession/go/internal/exam/commit"
	"github.com/acadops/examsession/go/internal/exam/coordinator"
	"github.com/acadops/examsession/go/internal/exam/gateway"
	"github.com/acadops/examsession/go/internal/exam/outbox"
	"github.com/acadops/examsession/go/internal/exam/registry"
	"github.com/acadops/examsession/go/internal/exam/session"
	"github.com/acadops/examsession/go/internal/exam/store"
	"github.com/acadops/examsession/go/internal/exam/timer"
)

// eventSink is the mirror the coordinator publishes to, closeable at
// shutdown.
type eventSink interface {
	coordinator.EventSink
	Close() error
}

// Services holds the wired exam components.
type Services struct {
	Gateway *gateway.Manager
	Coord   *coordinator.Coordinator
	Rooms   *session.Manager
	Sink    eventSink
}

func setupServices(config *Config, pool *pgxpool.Pool, natsURL string) (*Services, error) {
	clock := clockwork.NewRealClock()

	// Storage layer
	answers := store.NewAnswers(pool)
	directory := store.NewDirectory(pool)

	// Event mirror; sessions run without it when no NATS URL is set.
	var sink eventSink
	if natsURL != "" {
		jsCfg := outbox.DefaultJetStreamConfig()
		jsCfg.URL = natsURL
		publisher, err := outbox.NewJetStreamPublisher(jsCfg)
		if err != nil {
			return nil, err
		}
		sink = publisher
		log.Info().Str("nats_url", natsURL).Msg("event mirror enabled")
	} else {
		sink = outbox.Noop{}
		log.Warn().Msg("no NATS URL configured, events will not be mirrored")
	}

	// Session state
	reg := registry.New(clock)
	rooms := session.NewManager(clock, config.retention())

	pipeline := commit.New(answers, rooms, clock, commit.Config{
		GraceWindow:  config.graceWindow(),
		StoreTimeout: config.storeTimeout(),
	})

	timerCfg := timer.DefaultConfig()
	if thresholds := config.warningThresholds(); thresholds != nil {
		timerCfg.WarningThresholds = thresholds
	}
	if tick := config.tick(); tick > 0 {
		timerCfg.Tick = tick
	}

	// Gateway and coordinator reference each other; the handler is bound
	// after construction.
	gw := gateway.NewManager(gateway.DefaultConnectionConfig(), nil)
	coord := coordinator.New(reg, rooms, pipeline, gw, directory, sink, clock, timerCfg, coordinator.Config{
		JoinTimeout:   config.joinTimeout(),
		FinishTimeout: config.finishTimeout(),
	})
	gw.SetHandler(coord)

	return &Services{
		Gateway: gw,
		Coord:   coord,
		Rooms:   rooms,
		Sink:    sink,
	}, nil
}

package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnchat/pkg/eventbus"
	"github.com/go-go-golems/turnchat/pkg/relay"
)

type RelayCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*RelayCommand)(nil)

type RelaySettings struct {
	Addr               string   `glazed:"addr"`
	IdleTimeoutSeconds int      `glazed:"idle-timeout-seconds"`
	AllowedOrigins     []string `glazed:"allowed-origins"`
}

func NewRelayCommand() (*RelayCommand, error) {
	redisSection, err := eventbus.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	return &RelayCommand{
		CommandDescription: cmds.NewCommandDescription(
			"relay",
			cmds.WithShort("Relay published stream events to websocket clients"),
			cmds.WithLong("Serve GET /ws?thread_id=<id> and forward the events published for that thread (see stream --publish). Needs --redis-enabled to receive events from other processes."),
			cmds.WithFlags(
				fields.New("addr", fields.TypeString, fields.WithDefault(":8090"), fields.WithHelp("Listen address")),
				fields.New("idle-timeout-seconds", fields.TypeInteger, fields.WithDefault(int(relay.DefaultIdleTimeout/time.Second)), fields.WithHelp("Seconds a thread reader outlives its last client")),
				fields.New("allowed-origins", fields.TypeStringList, fields.WithHelp("Browser origins allowed besides same-origin; * allows any (development only)")),
			),
			cmds.WithSections(redisSection),
		),
	}, nil
}

func (c *RelayCommand) Run(ctx context.Context, parsedLayers *values.Values) error {
	s := &RelaySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init relay settings")
	}
	redis := eventbus.Settings{}
	if err := parsedLayers.DecodeSectionInto(eventbus.SectionSlug, &redis); err != nil {
		return errors.Wrap(err, "init redis settings")
	}
	if s.IdleTimeoutSeconds < 0 {
		return errors.Errorf("idle-timeout-seconds must not be negative, got %d", s.IdleTimeoutSeconds)
	}

	logger := log.With().Str("component", "relay-cmd").Logger()
	if !redis.Enabled {
		logger.Warn().Msg("redis disabled: the relay only sees events published in this process")
	}
	bus, err := eventbus.Build(redis, eventbus.WithLogger(log.Logger))
	if err != nil {
		return errors.Wrap(err, "create event bus")
	}
	rl, err := relay.New(bus,
		relay.WithIdleTimeout(time.Duration(s.IdleTimeoutSeconds)*time.Second),
		relay.WithLogger(log.Logger),
		relay.WithAllowedOrigins(s.AllowedOrigins...),
	)
	if err != nil {
		_ = bus.Close()
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/ws", rl.Handler())

	return serveUntilSignal(ctx, newHTTPServer(s.Addr, r), logger, func() {
		rl.Close()
		if err := bus.Close(); err != nil {
			logger.Error().Err(err).Msg("event bus close error")
		}
	})
}

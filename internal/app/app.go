package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"speech-relay-service/internal/config"
	"speech-relay-service/internal/downstream"
	"speech-relay-service/internal/events"
	"speech-relay-service/internal/observability/logging"
	"speech-relay-service/internal/observability/metrics"
	"speech-relay-service/internal/schema"
	"speech-relay-service/internal/service/demux"
	"speech-relay-service/internal/service/relay"
	"speech-relay-service/internal/service/stt"
	"speech-relay-service/internal/service/turn"

	// Provider adapters register themselves with stt.
	_ "speech-relay-service/internal/service/stt/assemblyai"
	_ "speech-relay-service/internal/service/stt/deepgram"
	_ "speech-relay-service/internal/service/stt/google"
	_ "speech-relay-service/internal/service/stt/mock"
)

const drainPoll = 50 * time.Millisecond

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics    *metrics.Metrics
	Registry   *relay.Registry
	Publisher  *events.Publisher
	Dispatcher *downstream.Fanout
	Validator  *schema.Validator
	TurnIDs    *turn.Generator

	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) (*Application, error) {
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	a := &Application{
		Cfg:      cfg,
		Logger:   logging.WithComponent("application"),
		Metrics:  metrics.DefaultMetrics,
		Registry: relay.NewRegistry(),
		TurnIDs:  turn.NewGenerator(),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	v, err := schema.New()
	if err != nil {
		return nil, err
	}
	a.Validator = v

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})

	d, err := a.buildDispatcher()
	if err != nil {
		_ = a.Publisher.Close()
		return nil, err
	}
	a.Dispatcher = d

	a.Logger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Strs("sinks", d.Sinks()).
		Bool("kafka", a.Publisher.Enabled()).
		Msg("Speech relay application created")
	return a, nil
}

// buildDispatcher picks the primary sink (retrieval service, or log-only when
// no URL is configured) and adds the enabled secondary sinks.
func (a *Application) buildDispatcher() (*downstream.Fanout, error) {
	var primary downstream.Dispatcher
	if a.Cfg.Downstream.RetrievalURL != "" {
		primary = downstream.NewRetrievalClient(a.Cfg.Downstream.RetrievalURL, a.Cfg.Downstream.Timeout)
	} else {
		primary = downstream.NewLogOnly()
	}

	var secondaries []downstream.Dispatcher
	if a.Publisher.Enabled() {
		secondaries = append(secondaries, downstream.NewKafkaSink(a.Publisher))
	}
	if a.Cfg.Redis.Enabled {
		client, err := downstream.NewRedisClient(a.Cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Logger.Warn().Err(err).Msg("Redis not reachable at startup, turns will be retried per publish")
		}
		cancel()
		secondaries = append(secondaries, downstream.NewRedisSink(client, a.Cfg.Redis.ChannelPrefix))
	}
	return downstream.NewFanout(a.Metrics, primary, secondaries...), nil
}

// Context is cancelled when the application shuts down. Relays derive from it.
func (a *Application) Context() context.Context {
	return a.ctx
}

// RelayConfig builds the per-connection configuration. role overrides the
// single-channel role and index the initial downstream key; both may be empty.
func (a *Application) RelayConfig(mode relay.Mode, role, index string) relay.Config {
	rc := a.Cfg.Relay
	if index == "" {
		index = rc.DefaultIndex
	}

	cfg := relay.Config{
		Mode:     mode,
		Provider: a.Cfg.STT.Provider,
		Options: stt.Options{
			APIKey:       a.Cfg.STT.APIKey,
			URL:          a.Cfg.STT.URL,
			SampleRateHz: a.Cfg.STT.SampleRateHz,
			Encoding:     a.Cfg.STT.Encoding,
			LanguageCode: a.Cfg.STT.LanguageCode,
			Model:        a.Cfg.STT.Model,
			Endpointing:  a.Cfg.STT.Endpointing,
			DialTimeout:  a.Cfg.STT.DialTimeout,
		},
		ContextKey:        index,
		SilenceWindow:     rc.SilenceWindow,
		CloseGrace:        rc.CloseGrace,
		PollInterval:      rc.PollInterval,
		DownstreamTimeout: a.Cfg.Downstream.Timeout,
		FlushOnClose:      rc.FlushOnClose,
		MaxFrameBytes:     rc.MaxFrameBytes,
	}

	if mode == relay.ModeDual {
		table := demux.NewTable(rc.DualRoles...)
		cfg.Resolver = table
		cfg.Options.Channels = table.Channels()
		return cfg
	}

	if role == "" {
		role = rc.SingleRole
	}
	cfg.Resolver = demux.Fixed(role)
	cfg.Options.Channels = 1
	return cfg
}

// RelayDeps returns the shared collaborators handed to every relay.
func (a *Application) RelayDeps() relay.Deps {
	var partials relay.PartialPublisher
	if a.Publisher.Enabled() {
		partials = a.Publisher
	}
	provider := a.Cfg.STT.Provider
	return relay.Deps{
		NewAdapter: func(ctx context.Context, opts stt.Options) (stt.Adapter, error) {
			return stt.New(ctx, provider, opts)
		},
		Dispatcher: a.Dispatcher,
		Partials:   partials,
		Validator:  a.Validator,
		Metrics:    a.Metrics,
		TurnIDs:    a.TurnIDs,
	}
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Speech relay service starting")
	return nil
}

// Ready reports whether new relays should be accepted.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown stops accepting relays, cancels the live ones and waits for them
// to finish closing before releasing the sinks.
func (a *Application) Shutdown(ctx context.Context) error {
	a.ready.Store(false)
	a.Logger.Info().Int("relays", a.Registry.Len()).Msg("Speech relay service shutting down")
	a.cancel()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for a.Registry.Len() > 0 {
		select {
		case <-ctx.Done():
			a.Logger.Warn().Int("relays", a.Registry.Len()).Msg("Relays still open at shutdown deadline")
			return errors.Join(ctx.Err(), a.closeSinks())
		case <-ticker.C:
		}
	}
	return a.closeSinks()
}

func (a *Application) closeSinks() error {
	return errors.Join(a.Dispatcher.Close(), a.Publisher.Close())
}

// Package relay runs one client connection: audio in, provider session,
// turn reconstruction, downstream dispatch and client notifications.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"speech-relay-service/internal/downstream"
	"speech-relay-service/internal/events"
	"speech-relay-service/internal/models"
	"speech-relay-service/internal/observability/logging"
	"speech-relay-service/internal/observability/metrics"
	"speech-relay-service/internal/schema"
	"speech-relay-service/internal/service/bridge"
	"speech-relay-service/internal/service/demux"
	"speech-relay-service/internal/service/stt"
	"speech-relay-service/internal/service/turn"
)

// Mode selects single- or dual-channel relaying.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeDual   Mode = "dual"
)

const (
	defaultPollInterval      = time.Second
	defaultDownstreamTimeout = 30 * time.Second
	partialQueueSize         = 64
)

// FrameKind classifies an inbound client frame.
type FrameKind int

const (
	FrameBinary FrameKind = iota
	FrameText
	FrameOther
)

// Frame is one inbound client message.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// ClientConn is the client side of a relay. ReadFrame must return once ctx
// is cancelled. WriteJSON is only called from the relay loop goroutine and
// is expected to bound its own write time.
type ClientConn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteJSON(v any) error
}

// PartialPublisher is satisfied by *events.Publisher.
type PartialPublisher interface {
	PublishPartial(ctx context.Context, key string, event any) error
}

// Config parameterizes one relay.
type Config struct {
	Mode     Mode
	Provider string
	Options  stt.Options

	// Resolver maps provider channels to roles. Defaults to the primary
	// role in single mode and the primary/secondary table in dual mode.
	Resolver demux.Resolver

	// ContextKey is the initial downstream key; control frames replace it.
	ContextKey string

	SilenceWindow     time.Duration
	CloseGrace        time.Duration
	PollInterval      time.Duration
	DownstreamTimeout time.Duration
	FlushOnClose      bool
	MaxFrameBytes     int64
}

// Deps are the collaborators a relay uses.
type Deps struct {
	NewAdapter stt.Factory
	Dispatcher downstream.Dispatcher
	Partials   PartialPublisher
	Validator  *schema.Validator
	Clock      turn.Clock
	Metrics    *metrics.Metrics
	TurnIDs    *turn.Generator
}

// Status is a point-in-time view of a relay for the status endpoint.
type Status struct {
	ID                string    `json:"id"`
	Mode              Mode      `json:"mode"`
	Provider          string    `json:"provider"`
	State             string    `json:"state"`
	ProviderSessionID string    `json:"providerSessionId,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
	TurnsFinalized    int64     `json:"turnsFinalized"`
}

type dispatchResult struct {
	turn   models.FinalizedTurn
	result models.DeliveryResult
	err    error
}

// Relay is the per-connection control loop. All turn state is owned by the
// goroutine running the loop; provider callbacks reach it only through the
// bridge, and timer expiries and dispatch results through channels.
type Relay struct {
	id     string
	cfg    Config
	deps   Deps
	client ClientConn
	log    zerolog.Logger

	bridge   *bridge.Bridge
	session  atomic.Pointer[Session]
	machines map[models.Role]*turn.Machine

	expiries chan turn.Expiry
	results  chan dispatchResult
	partials chan events.Envelope
	done     chan struct{}

	dispatchCtx context.Context
	dispatchWG  sync.WaitGroup

	contextKey string
	terminated bool
	startedAt  time.Time
	turns      atomic.Int64
}

// New builds a relay for one client connection.
func New(cfg Config, client ClientConn, deps Deps) *Relay {
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if cfg.Resolver == nil {
		if cfg.Mode == ModeDual {
			cfg.Resolver = demux.NewTable()
		} else {
			cfg.Resolver = demux.Fixed(models.RolePrimary)
		}
	}
	if cfg.Mode == ModeDual && cfg.Options.Channels < 2 {
		cfg.Options.Channels = len(cfg.Resolver.Roles())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DownstreamTimeout <= 0 {
		cfg.DownstreamTimeout = defaultDownstreamTimeout
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = downstream.NewLogOnly()
	}
	if deps.Validator == nil {
		deps.Validator = schema.MustNew()
	}
	if deps.Clock == nil {
		deps.Clock = turn.RealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.TurnIDs == nil {
		deps.TurnIDs = turn.NewGenerator()
	}

	id := uuid.NewString()
	r := &Relay{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		client:     client,
		log:        logging.WithSession(id, string(cfg.Mode)),
		bridge:     bridge.New(cfg.Resolver),
		machines:   map[models.Role]*turn.Machine{},
		expiries:   make(chan turn.Expiry),
		results:    make(chan dispatchResult),
		partials:   make(chan events.Envelope, partialQueueSize),
		done:       make(chan struct{}),
		contextKey: cfg.ContextKey,
		startedAt:  time.Now(),
	}
	if role := r.singleRole(); role != "" {
		r.log = logging.WithRole(r.log, string(role))
	}
	for _, role := range cfg.Resolver.Roles() {
		r.machine(role)
	}
	return r
}

// ID returns the relay session id.
func (r *Relay) ID() string { return r.id }

// Status returns a snapshot safe to call from any goroutine.
func (r *Relay) Status() Status {
	st := Status{
		ID:             r.id,
		Mode:           r.cfg.Mode,
		Provider:       r.cfg.Provider,
		State:          StateDisconnected.String(),
		StartedAt:      r.startedAt,
		TurnsFinalized: r.turns.Load(),
	}
	if s := r.session.Load(); s != nil {
		st.State = s.State().String()
		st.ProviderSessionID = s.SessionID()
	}
	return st
}

// Run drives the relay until the client ends the stream, disconnects, the
// provider fails fatally or ctx is cancelled. Every exit path cancels the
// silence timers, stops the bridge and closes the provider session before
// returning. Only fatal provider errors are returned.
func (r *Relay) Run(ctx context.Context) (err error) {
	r.deps.Metrics.RecordSessionStart(string(r.cfg.Mode))
	r.dispatchCtx = context.WithoutCancel(ctx)

	defer func() {
		r.shutdown()
		r.deps.Metrics.RecordSessionEnd(err == nil, time.Since(r.startedAt).Seconds())
	}()

	if err := r.connect(ctx); err != nil {
		r.log.Error().Err(err).Str("sttProvider", r.cfg.Provider).Msg("Provider connection failed")
		r.notifyError(err)
		return err
	}

	// Adapters that acknowledge synchronously have already queued Begin.
	if err := r.drain(ctx); err != nil {
		r.notifyError(err)
		return err
	}

	r.send(models.Ready{
		Type:      models.MessageReady,
		SessionID: r.id,
		Mode:      string(r.cfg.Mode),
		Role:      r.singleRole(),
	})
	r.log.Info().Str("sttProvider", r.cfg.Provider).Str("contextKey", r.contextKey).Msg("Relay started")

	frames := make(chan Frame)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.readLoop(gctx, frames) })
	g.Go(func() error { return r.loop(gctx, frames) })
	if r.deps.Partials != nil {
		g.Go(func() error { return r.publishLoop(gctx) })
	}

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errEndRequested):
		r.log.Info().Msg("Client ended stream")
		return nil
	case errors.Is(err, ErrClientDisconnect):
		r.log.Info().Err(err).Msg("Client disconnected")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.log.Info().Msg("Relay cancelled")
		return nil
	case IsFatal(err):
		r.log.Error().Err(err).Msg("Relay terminated by provider failure")
		r.notifyError(err)
		return err
	default:
		r.log.Error().Err(err).Msg("Relay loop failed")
		r.notifyError(err)
		return err
	}
}

func (r *Relay) connect(ctx context.Context) error {
	if r.deps.NewAdapter == nil {
		return &ConnectionError{Provider: r.cfg.Provider, Err: errors.New("no adapter factory")}
	}
	adapter, err := r.deps.NewAdapter(ctx, r.cfg.Options)
	if err != nil {
		r.deps.Metrics.RecordProviderConnect(r.cfg.Provider, err)
		return &ConnectionError{Provider: r.cfg.Provider, Err: err}
	}
	s := NewSession(adapter, r.cfg.CloseGrace, r.log, r.deps.Metrics)
	r.session.Store(s)
	return s.Connect(ctx, r.bridge)
}

func (r *Relay) readLoop(ctx context.Context, frames chan<- Frame) error {
	for {
		f, err := r.client.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Join(ErrClientDisconnect, err)
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) loop(ctx context.Context, frames <-chan Frame) error {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f := <-frames:
			if err := r.handleFrame(ctx, f); err != nil {
				return err
			}

		case <-r.bridge.Ready():
			if err := r.drain(ctx); err != nil {
				return err
			}

		case <-poll.C:
			if err := r.drain(ctx); err != nil {
				return err
			}

		case e := <-r.expiries:
			r.expire(e)

		case res := <-r.results:
			r.deliver(res)
		}
	}
}

func (r *Relay) handleFrame(ctx context.Context, f Frame) error {
	switch f.Kind {
	case FrameBinary:
		if r.cfg.MaxFrameBytes > 0 && int64(len(f.Data)) > r.cfg.MaxFrameBytes {
			r.deps.Metrics.RecordAudioDropped("oversized")
			r.log.Warn().Int("bytes", len(f.Data)).Msg("Oversized audio frame ignored")
			return nil
		}
		if err := r.session.Load().SendAudio(ctx, f.Data); err != nil {
			r.log.Warn().Err(err).Msg("Audio send failed")
		}
		return nil

	case FrameText:
		msg, err := r.deps.Validator.ParseControl(f.Data)
		if err != nil {
			r.deps.Metrics.RecordControlFrame("invalid")
			r.log.Warn().Err(err).Msg("Control frame ignored")
			return nil
		}
		if msg.IsEnd() {
			r.deps.Metrics.RecordControlFrame("end")
			return errEndRequested
		}
		if key := msg.Key(); key != "" {
			r.deps.Metrics.RecordControlFrame("context")
			r.contextKey = key
			r.log.Info().Str("contextKey", key).Msg("Downstream context updated")
		}
		return nil

	default:
		r.deps.Metrics.RecordControlFrame("unsupported")
		r.log.Warn().Msg("Unsupported frame ignored")
		return nil
	}
}

func (r *Relay) drain(ctx context.Context) error {
	evs := r.bridge.Drain()
	if len(evs) == 0 {
		return nil
	}
	r.deps.Metrics.RecordDrain(len(evs))
	for _, ev := range evs {
		if err := r.apply(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// apply feeds one provider event to the session and turn state.
func (r *Relay) apply(_ context.Context, ev models.TranscriptEvent) error {
	r.deps.Metrics.RecordEvent(ev.Kind.String())
	s := r.session.Load()

	switch ev.Kind {
	case models.KindSessionBegin:
		if s.MarkConnected(ev.Begin) {
			l := r.log.Info().Str("providerSessionId", ev.Begin.SessionID)
			if !ev.Begin.ExpiresAt.IsZero() {
				l = l.Time("expiresAt", ev.Begin.ExpiresAt)
			}
			l.Msg("Provider session started")
		}

	case models.KindPartial:
		r.machine(ev.Role).ApplyPartial()
		r.log.Debug().Str("role", string(ev.Role)).Str("text", ev.Text).Msg("Partial transcript")
		r.send(models.TranscriptNotification{
			Type:           models.MessagePartial,
			Role:           ev.Role,
			Text:           ev.Text,
			TimestampRange: ev.TimeRange,
		})
		r.publishPartial(ev)

	case models.KindFinal:
		restarted, err := r.machine(ev.Role).ApplyFinal(ev.Text, ev.TimeRange)
		if errors.Is(err, turn.ErrEmptyTranscript) {
			r.log.Debug().Str("role", string(ev.Role)).Msg("Empty final ignored")
			return nil
		}
		if restarted {
			r.deps.Metrics.RecordTimerReset(string(ev.Role))
		}
		r.log.Info().
			Str("role", string(ev.Role)).
			Str("text", ev.Text).
			Bool("timerRestarted", restarted).
			Msg("Final transcript held for silence window")

	case models.KindTermination:
		for role, m := range r.machines {
			if m.Terminate() {
				r.deps.Metrics.RecordTurnDropped("termination")
				r.log.Info().Str("role", string(role)).Msg("Pending turn dropped on provider termination")
			}
		}
		s.MarkDisconnected()
		r.terminated = true
		r.log.Info().
			Float64("audioDurationSeconds", ev.Usage.AudioDurationSeconds).
			Float64("sessionDurationSeconds", ev.Usage.SessionDurationSeconds).
			Msg("Provider session terminated")
		r.send(models.Terminated{
			Type:                   models.MessageTerminated,
			AudioDurationSeconds:   ev.Usage.AudioDurationSeconds,
			SessionDurationSeconds: ev.Usage.SessionDurationSeconds,
		})

	case models.KindError:
		switch {
		case errors.Is(ev.Err, ErrProviderProtocol):
			r.deps.Metrics.RecordProviderError(r.cfg.Provider, "protocol")
			r.log.Warn().Err(ev.Err).Msg("Provider event dropped")
		case ev.Fatal && !r.terminated:
			r.deps.Metrics.RecordProviderError(r.cfg.Provider, "fatal")
			return &ConnectionError{Provider: r.cfg.Provider, Err: ev.Err}
		default:
			r.deps.Metrics.RecordProviderError(r.cfg.Provider, "provider")
			r.log.Warn().Err(ev.Err).Bool("fatal", ev.Fatal).Msg("Provider error")
		}
	}
	return nil
}

func (r *Relay) expire(e turn.Expiry) {
	m, ok := r.machines[e.Role]
	if !ok {
		return
	}
	p, err := m.Expire(e.Generation)
	if err != nil {
		r.log.Debug().Err(err).Str("role", string(e.Role)).Msg("Silence timer ignored")
		return
	}
	r.finalize(p)
}

// finalize emits a turn to the client and starts its downstream dispatch.
func (r *Relay) finalize(p turn.Pending) {
	t := models.FinalizedTurn{
		TurnID:    r.deps.TurnIDs.Next(r.id),
		SessionID: r.id,
		Role:      p.Role,
		Text:      p.Text,
		TimeRange: p.TimeRange,
		Timestamp: time.Now().UnixMilli(),
	}
	r.turns.Add(1)
	r.deps.Metrics.RecordTurnFinalized(string(t.Role))
	r.log.Info().
		Str("turnId", t.TurnID).
		Str("role", string(t.Role)).
		Str("text", t.Text).
		Msg("Turn finalized")

	r.send(models.TranscriptNotification{
		Type:           models.MessageFinal,
		Role:           t.Role,
		Text:           t.Text,
		IsFinal:        true,
		TurnID:         t.TurnID,
		TimestampRange: t.TimeRange,
	})
	r.dispatch(t)
}

// dispatch calls the downstream off the loop goroutine. The result comes
// back through r.results, which the loop or shutdown always drains.
func (r *Relay) dispatch(t models.FinalizedTurn) {
	key := r.contextKey
	r.dispatchWG.Add(1)
	go func() {
		defer r.dispatchWG.Done()
		ctx, cancel := context.WithTimeout(r.dispatchCtx, r.cfg.DownstreamTimeout)
		defer cancel()
		res, err := r.deps.Dispatcher.Handle(ctx, t, key)
		r.results <- dispatchResult{turn: t, result: res, err: err}
	}()
}

func (r *Relay) deliver(res dispatchResult) {
	if res.err != nil {
		err := errors.Join(ErrDownstreamDispatch, res.err)
		r.log.Error().Err(err).Str("turnId", res.turn.TurnID).Msg("Turn not delivered")
		return
	}
	r.send(models.Complete{
		Type:           models.MessageComplete,
		Role:           res.turn.Role,
		TurnID:         res.turn.TurnID,
		Transcript:     res.result.Transcript,
		Context:        res.result.Context,
		LLMResponse:    res.result.LLMResponse,
		SerperResponse: res.result.SerperResponse,
	})
}

func (r *Relay) publishPartial(ev models.TranscriptEvent) {
	if r.deps.Partials == nil {
		return
	}
	select {
	case r.partials <- events.NewPartialEvent(r.id, ev):
	default:
		r.log.Debug().Msg("Partial publish queue full, event skipped")
	}
}

func (r *Relay) publishLoop(ctx context.Context) error {
	for {
		select {
		case env := <-r.partials:
			// Failures are logged by the publisher.
			_ = r.deps.Partials.PublishPartial(ctx, r.id, env)
		case <-ctx.Done():
			return nil
		}
	}
}

// shutdown releases everything the loop owned.
func (r *Relay) shutdown() {
	close(r.done)

	var pending []turn.Pending
	for role, m := range r.machines {
		if r.cfg.FlushOnClose {
			if p, ok := m.Flush(); ok {
				pending = append(pending, p)
			}
			continue
		}
		if m.Terminate() {
			r.deps.Metrics.RecordTurnDropped("close")
			r.log.Info().Str("role", string(role)).Msg("Pending turn dropped on close")
		}
	}

	if n := r.bridge.Close(); n > 0 {
		r.log.Debug().Int("events", n).Msg("Queued provider events discarded")
	}

	if s := r.session.Load(); s != nil {
		ctx, cancel := context.WithTimeout(r.dispatchCtx, r.cfg.CloseGrace+time.Second)
		s.Close(ctx)
		cancel()
	}

	for _, p := range pending {
		r.log.Info().Str("role", string(p.Role)).Msg("Flushing pending turn on close")
		r.finalize(p)
	}

	wait := make(chan struct{})
	go func() {
		r.dispatchWG.Wait()
		close(wait)
	}()
	for {
		select {
		case res := <-r.results:
			r.deliver(res)
		case <-wait:
			r.log.Info().Int64("turns", r.turns.Load()).Msg("Relay closed")
			return
		}
	}
}

func (r *Relay) machine(role models.Role) *turn.Machine {
	m, ok := r.machines[role]
	if !ok {
		m = turn.NewMachine(role, r.cfg.SilenceWindow, r.deps.Clock, r.notifyExpiry)
		r.machines[role] = m
	}
	return m
}

// notifyExpiry runs on the timer goroutine.
func (r *Relay) notifyExpiry(e turn.Expiry) {
	select {
	case r.expiries <- e:
	case <-r.done:
	}
}

func (r *Relay) singleRole() models.Role {
	if r.cfg.Mode == ModeDual {
		return ""
	}
	return r.cfg.Resolver.Resolve(nil)
}

// send writes a notification; failures are logged and never end the relay.
func (r *Relay) send(v any) {
	if err := r.client.WriteJSON(v); err != nil {
		r.log.Warn().Err(err).Msg("Client notification failed")
	}
}

func (r *Relay) notifyError(err error) {
	r.send(models.ErrorNotification{
		Type:  models.MessageError,
		Error: err.Error(),
		Mode:  string(r.cfg.Mode),
		Role:  r.singleRole(),
	})
}

package engine

import (
	"context"
	"encoding/json"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/rs/zerolog"
)

// Deps are the collaborators an Engine is wired with. Store and Gateway are
// required; the rest fall back to no-ops.
type Deps struct {
	Store    ports.ConversationStore
	Gateway  Gateway
	Cache    ports.Cache
	CacheTTL int // seconds
	Notifier ports.Notifier
	Tracer   ports.Tracer
	Logger   zerolog.Logger
}

// Engine runs triage turns. Turns for different appointments proceed in
// parallel; turns for one appointment are strictly serialized, including the
// model call.
type Engine struct {
	store     ports.ConversationStore
	assembler *PromptAssembler
	gateway   Gateway
	parser    *ResponseParser
	locks     *KeyedLock
	cache     ports.Cache
	cacheTTL  int
	notifier  ports.Notifier
	tracer    ports.Tracer
	logger    zerolog.Logger
}

func NewEngine(deps Deps) *Engine {
	e := &Engine{
		store:     deps.Store,
		assembler: NewPromptAssembler(),
		gateway:   deps.Gateway,
		parser:    NewResponseParser(),
		locks:     NewKeyedLock(),
		cache:     deps.Cache,
		cacheTTL:  deps.CacheTTL,
		notifier:  deps.Notifier,
		tracer:    deps.Tracer,
		logger:    deps.Logger,
	}
	if e.cache == nil {
		e.cache = &noOpCache{}
	}
	if e.notifier == nil {
		e.notifier = &noOpNotifier{}
	}
	if e.tracer == nil {
		e.tracer = &noOpTracer{}
	}
	return e
}

// Submit handles one patient message and returns the decoded reply. Failures
// are *TurnError values wrapping the ports error taxonomy.
func (e *Engine) Submit(ctx context.Context, appointmentID int64, text string) (ports.Reply, error) {
	release, err := e.locks.Acquire(ctx, appointmentID)
	if err != nil {
		return ports.Reply{}, &TurnError{Stage: StateIdle, Err: err}
	}
	defer release()

	return e.newSession(appointmentID).Submit(ctx, text)
}

// Resume answers an appointment's unanswered patient turn, if it has one.
func (e *Engine) Resume(ctx context.Context, appointmentID int64) (ports.Reply, error) {
	release, err := e.locks.Acquire(ctx, appointmentID)
	if err != nil {
		return ports.Reply{}, &TurnError{Stage: StateIdle, Err: err}
	}
	defer release()

	return e.newSession(appointmentID).Resume(ctx)
}

// History returns the appointment's transcript in sequence order.
func (e *Engine) History(ctx context.Context, appointmentID int64) ([]ports.Turn, error) {
	return e.store.History(ctx, appointmentID)
}

// LatestDiagnosis returns the newest committed DiagnosisView. The cache is
// consulted first; only sessions write to it.
func (e *Engine) LatestDiagnosis(ctx context.Context, appointmentID int64) (ports.DiagnosisView, bool, error) {
	if data, ok := e.cache.Get(ctx, diagnosisCacheKey(appointmentID)); ok {
		var view ports.DiagnosisView
		if err := json.Unmarshal(data, &view); err == nil {
			return view, true, nil
		}
		e.logger.Warn().Int64("appointment_id", appointmentID).Msg("Discarding undecodable cached diagnosis")
	}
	return e.store.LatestDiagnosis(ctx, appointmentID)
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a TriageSession's position in the turn lifecycle.
type State uint8

const (
	StateIdle State = iota
	StatePatientTurnPersisted
	StateModelInvoked
	StateAssistantTurnPersisted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePatientTurnPersisted:
		return "patient_turn_persisted"
	case StateModelInvoked:
		return "model_invoked"
	case StateAssistantTurnPersisted:
		return "assistant_turn_persisted"
	case StateFailed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// TurnError reports a failed turn. Stage is the last state the session
// reached; Resumable is set when the patient turn is durable but unanswered.
type TurnError struct {
	Stage     State
	Err       error
	Resumable bool
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("triage turn failed after %s: %v", e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// TriageSession drives one inbound message through the turn lifecycle. It is
// created per message and must run while its appointment token is held.
type TriageSession struct {
	appointmentID int64
	turnID        string
	state         State

	engine *Engine
	logger zerolog.Logger
}

func (e *Engine) newSession(appointmentID int64) *TriageSession {
	turnID := uuid.NewString()
	return &TriageSession{
		appointmentID: appointmentID,
		turnID:        turnID,
		state:         StateIdle,
		engine:        e,
		logger: e.logger.With().
			Int64("appointment_id", appointmentID).
			Str("turn_id", turnID).
			Logger(),
	}
}

// State returns the session's current state.
func (s *TriageSession) State() State { return s.state }

// Submit records the patient message, then obtains and records the reply.
func (s *TriageSession) Submit(ctx context.Context, text string) (reply ports.Reply, err error) {
	ctx, finish := s.engine.tracer.StartSpan(ctx, "triage.submit", map[string]any{
		"appointment_id": s.appointmentID,
		"turn_id":        s.turnID,
	})
	defer func() { finish(err) }()

	turn, err := s.engine.store.Append(ctx, s.appointmentID, ports.RolePatient, text)
	if err != nil {
		return ports.Reply{}, s.fail(err)
	}
	s.state = StatePatientTurnPersisted
	s.logger.Debug().Int64("sequence", turn.Sequence).Msg("Patient turn persisted")

	history, err := s.engine.store.History(ctx, s.appointmentID)
	if err != nil {
		return ports.Reply{}, s.fail(err)
	}
	return s.answer(ctx, history)
}

// Resume answers the newest patient turn when a previous session left it
// without a reply.
func (s *TriageSession) Resume(ctx context.Context) (reply ports.Reply, err error) {
	ctx, finish := s.engine.tracer.StartSpan(ctx, "triage.resume", map[string]any{
		"appointment_id": s.appointmentID,
		"turn_id":        s.turnID,
	})
	defer func() { finish(err) }()

	history, err := s.engine.store.History(ctx, s.appointmentID)
	if err != nil {
		return ports.Reply{}, s.fail(err)
	}
	if len(history) == 0 || history[len(history)-1].Role != ports.RolePatient {
		return ports.Reply{}, s.fail(ports.ErrNothingToResume)
	}
	s.state = StatePatientTurnPersisted
	return s.answer(ctx, history)
}

// answer runs inference over a transcript ending in the patient turn and
// commits the parsed reply.
func (s *TriageSession) answer(ctx context.Context, history []ports.Turn) (ports.Reply, error) {
	input, err := s.engine.assembler.AssembleLog(history)
	if err != nil {
		return ports.Reply{}, s.fail(err)
	}

	raw, err := s.engine.gateway.Infer(ctx, input)
	if err != nil {
		return ports.Reply{}, s.fail(err)
	}
	s.state = StateModelInvoked

	reply := s.engine.parser.Parse(raw)
	turn, err := s.engine.store.AppendAssistant(ctx, s.appointmentID, reply)
	if err != nil {
		if !errors.Is(err, ports.ErrPersistence) {
			err = fmt.Errorf("%w: %w", ports.ErrPersistence, err)
		}
		return ports.Reply{}, s.fail(err)
	}
	s.state = StateAssistantTurnPersisted

	s.engine.diagnosisCommitted(ctx, turn, reply)
	s.logger.Info().
		Int64("sequence", turn.Sequence).
		Str("condition", reply.Condition).
		Msg("Assistant turn persisted")
	return reply, nil
}

func (s *TriageSession) fail(err error) error {
	te := &TurnError{
		Stage:     s.state,
		Err:       err,
		Resumable: s.state == StatePatientTurnPersisted || s.state == StateModelInvoked,
	}
	s.state = StateFailed

	event := s.logger.Error()
	if errors.Is(err, ports.ErrValidation) || errors.Is(err, ports.ErrAppointmentNotFound) || errors.Is(err, ports.ErrNothingToResume) {
		event = s.logger.Info()
	}
	event.Err(err).
		Str("stage", te.Stage.String()).
		Bool("resumable", te.Resumable).
		Msg("Triage turn failed")
	return te
}

func diagnosisCacheKey(appointmentID int64) string {
	return "diagnosis:" + strconv.FormatInt(appointmentID, 10)
}

// diagnosisCommitted refreshes derived state after an assistant turn. Neither
// step can fail the turn.
func (e *Engine) diagnosisCommitted(ctx context.Context, turn ports.Turn, reply ports.Reply) {
	ctx = context.WithoutCancel(ctx)
	if data, err := json.Marshal(reply); err == nil {
		if err := e.cache.Set(ctx, diagnosisCacheKey(turn.AppointmentID), data, e.cacheTTL); err != nil {
			e.logger.Warn().Err(err).Int64("appointment_id", turn.AppointmentID).Msg("Failed to cache diagnosis")
		}
	}

	update := ports.DiagnosisUpdate{
		AppointmentID: turn.AppointmentID,
		Sequence:      turn.Sequence,
		Diagnosis:     reply,
	}
	if err := e.notifier.Publish(ctx, update); err != nil {
		e.logger.Warn().Err(err).Int64("appointment_id", turn.AppointmentID).Msg("Failed to publish diagnosis update")
	}
}

package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/triage-engine/triage"
	"github.com/ZanzyTHEbar/triage-engine/triage/db"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// The next sequence is computed and written by one statement, so a reader
// never sees a gap and two writers never share a number.
const insertTurnQuery = `
	INSERT INTO turns (appointment_id, sequence, role, content, condition, advice, created_at)
	SELECT CAST(? AS BIGINT), COALESCE(MAX(sequence) + 1, 0), CAST(? AS TEXT), CAST(? AS TEXT),
	       CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT)
	FROM turns WHERE appointment_id = ?
	RETURNING sequence
`

const historyQuery = `
	SELECT sequence, role, content, condition, advice, created_at
	FROM turns
	WHERE appointment_id = ?
	ORDER BY sequence ASC
`

const latestDiagnosisQuery = `
	SELECT condition, advice
	FROM turns
	WHERE appointment_id = ? AND role = 'ai' AND condition IS NOT NULL
	ORDER BY sequence DESC
	LIMIT 1
`

const pendingQuery = `
	SELECT t.appointment_id
	FROM turns t
	JOIN (SELECT appointment_id, MAX(sequence) AS last_seq FROM turns GROUP BY appointment_id) last
	  ON last.appointment_id = t.appointment_id AND last.last_seq = t.sequence
	WHERE t.role = 'patient'
	ORDER BY t.appointment_id ASC
`

// SQLConversationStore implements ConversationStore over libsql or postgres.
type SQLConversationStore struct {
	db  *db.DB
	dir ports.AppointmentDirectory
	now func() time.Time
}

// NewSQLConversationStore creates a store over an open, migrated database.
func NewSQLConversationStore(conn *db.DB, dir ports.AppointmentDirectory) *SQLConversationStore {
	return &SQLConversationStore{
		db:  conn,
		dir: dir,
		now: time.Now,
	}
}

// Append records a turn with no parsed reply.
func (s *SQLConversationStore) Append(ctx context.Context, appointmentID int64, role ports.Role, text string) (ports.Turn, error) {
	if err := validateTurn(role, text); err != nil {
		return ports.Turn{}, err
	}
	if err := s.checkExists(ctx, appointmentID); err != nil {
		return ports.Turn{}, err
	}
	return s.insert(ctx, appointmentID, role, text, nil)
}

// AppendAssistant records an assistant turn together with its parsed reply.
func (s *SQLConversationStore) AppendAssistant(ctx context.Context, appointmentID int64, reply ports.Reply) (ports.Turn, error) {
	if err := s.checkExists(ctx, appointmentID); err != nil {
		return ports.Turn{}, err
	}
	return s.insert(ctx, appointmentID, ports.RoleAssistant, CanonicalReplyText(reply), &reply)
}

func (s *SQLConversationStore) insert(ctx context.Context, appointmentID int64, role ports.Role, text string, reply *ports.Reply) (ports.Turn, error) {
	createdAt := s.now().UTC().Truncate(time.Millisecond)

	var condition, advice sql.NullString
	if reply != nil {
		condition = sql.NullString{String: reply.Condition, Valid: true}
		advice = sql.NullString{String: reply.Advice, Valid: true}
	}
	args := []any{appointmentID, role.String(), text, condition, advice, createdAt.UnixMilli(), appointmentID}

	var seq int64
	err := s.withWriteLock(ctx, appointmentID, func(q queryer) error {
		return q.QueryRowContext(ctx, s.db.Rebind(insertTurnQuery), args...).Scan(&seq)
	})
	if err != nil {
		return ports.Turn{}, fmt.Errorf("%w: failed to insert turn for appointment %d: %w", ports.ErrPersistence, appointmentID, err)
	}

	return ports.Turn{
		AppointmentID: appointmentID,
		Sequence:      seq,
		Role:          role,
		Text:          text,
		CreatedAt:     createdAt,
		Reply:         reply,
	}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withWriteLock runs fn under a transaction-scoped advisory lock on postgres,
// where concurrent INSERT ... SELECT MAX would otherwise race. SQLite-family
// databases already serialize writers.
func (s *SQLConversationStore) withWriteLock(ctx context.Context, appointmentID int64, fn func(q queryer) error) error {
	if s.db.Dialect != db.DialectPostgres {
		return fn(s.db)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", appointmentID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to lock appointment: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed and rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// History loads every turn of an appointment in sequence order.
func (s *SQLConversationStore) History(ctx context.Context, appointmentID int64) ([]ports.Turn, error) {
	if err := s.checkExists(ctx, appointmentID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(historyQuery), appointmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query turns: %w", ports.ErrPersistence, err)
	}
	defer rows.Close()

	turns := make([]ports.Turn, 0)
	for rows.Next() {
		var (
			seq               int64
			role, content     string
			condition, advice sql.NullString
			createdAt         int64
		)
		if err := rows.Scan(&seq, &role, &content, &condition, &advice, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan turn: %w", ports.ErrPersistence, err)
		}
		r, err := ports.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ports.ErrPersistence, err)
		}

		turn := ports.Turn{
			AppointmentID: appointmentID,
			Sequence:      seq,
			Role:          r,
			Text:          content,
			CreatedAt:     time.UnixMilli(createdAt).UTC(),
		}
		if condition.Valid {
			turn.Reply = &ports.Reply{Condition: condition.String, Advice: advice.String}
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating turns: %w", ports.ErrPersistence, err)
	}
	return turns, nil
}

// LatestDiagnosis returns the reply of the newest assistant turn.
func (s *SQLConversationStore) LatestDiagnosis(ctx context.Context, appointmentID int64) (ports.DiagnosisView, bool, error) {
	var condition, advice sql.NullString
	err := s.db.QueryRowContext(ctx, s.db.Rebind(latestDiagnosisQuery), appointmentID).Scan(&condition, &advice)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.DiagnosisView{}, false, nil
	}
	if err != nil {
		return ports.DiagnosisView{}, false, fmt.Errorf("%w: failed to load diagnosis: %w", ports.ErrPersistence, err)
	}
	return ports.DiagnosisView{Condition: condition.String, Advice: advice.String}, true, nil
}

// PendingAppointments lists appointments whose newest turn awaits a reply.
func (s *SQLConversationStore) PendingAppointments(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, pendingQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query pending appointments: %w", ports.ErrPersistence, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan appointment id: %w", ports.ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating appointments: %w", ports.ErrPersistence, err)
	}
	return ids, nil
}

func (s *SQLConversationStore) checkExists(ctx context.Context, appointmentID int64) error {
	return checkAppointment(ctx, s.dir, appointmentID)
}

func checkAppointment(ctx context.Context, dir ports.AppointmentDirectory, appointmentID int64) error {
	ok, err := dir.Exists(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("%w: appointment lookup failed: %w", ports.ErrPersistence, err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ports.ErrAppointmentNotFound, appointmentID)
	}
	return nil
}

func validateTurn(role ports.Role, text string) error {
	if role != ports.RolePatient && role != ports.RoleAssistant {
		return fmt.Errorf("%w: unknown role %s", ports.ErrValidation, role)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: turn text is empty", ports.ErrValidation)
	}
	return nil
}

// CanonicalReplyText renders a reply in the model's own grammar, which is how
// assistant turns are replayed on later prompts.
func CanonicalReplyText(reply ports.Reply) string {
	return reply.Condition + internal.SegmentDelimiter + reply.Advice
}

// Ensure SQLConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*SQLConversationStore)(nil)

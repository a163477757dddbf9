package ports

import (
	"context"
	"fmt"
	"time"
)

// Role identifies who authored a turn. It is assigned by the engine, never by
// the caller.
type Role uint8

const (
	RolePatient Role = iota + 1
	RoleAssistant
)

// String returns the persisted vocabulary ("patient" / "ai").
func (r Role) String() string {
	switch r {
	case RolePatient:
		return "patient"
	case RoleAssistant:
		return "ai"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole maps the persisted vocabulary back to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "patient":
		return RolePatient, nil
	case "ai":
		return RoleAssistant, nil
	default:
		return 0, fmt.Errorf("unknown turn role %q", s)
	}
}

// Reply is the decoded model output.
type Reply struct {
	Condition string `json:"condition"`
	Advice    string `json:"advice"`
}

// DiagnosisView is the latest Reply committed for an appointment.
type DiagnosisView = Reply

// Turn is one immutable entry of an appointment's conversation.
type Turn struct {
	AppointmentID int64
	Sequence      int64
	Role          Role
	Text          string
	CreatedAt     time.Time
	// Reply is set on assistant turns only.
	Reply *Reply
}

// ConversationStore is the append-only, appointment-scoped turn log.
// Appends for one appointment never share a sequence number.
type ConversationStore interface {
	// Append records a patient turn. It fails with ErrAppointmentNotFound or
	// ErrValidation before anything is written.
	Append(ctx context.Context, appointmentID int64, role Role, text string) (Turn, error)
	// AppendAssistant records an assistant turn carrying the parsed reply and
	// makes it the appointment's DiagnosisView in the same write.
	AppendAssistant(ctx context.Context, appointmentID int64, reply Reply) (Turn, error)
	// History returns every turn in sequence order.
	History(ctx context.Context, appointmentID int64) ([]Turn, error)
	// LatestDiagnosis returns the reply of the newest assistant turn.
	LatestDiagnosis(ctx context.Context, appointmentID int64) (DiagnosisView, bool, error)
	// PendingAppointments lists appointments whose newest turn is a patient turn.
	PendingAppointments(ctx context.Context) ([]int64, error)
}

// AppointmentDirectory is the scheduling subsystem's existence check.
type AppointmentDirectory interface {
	Exists(ctx context.Context, appointmentID int64) (bool, error)
}

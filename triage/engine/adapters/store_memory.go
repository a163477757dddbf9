package adapters

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// MemoryConversationStore keeps turn logs in process memory. It backs the
// "memory" database type and tests.
type MemoryConversationStore struct {
	mu    sync.RWMutex
	dir   ports.AppointmentDirectory
	turns map[int64][]ports.Turn
	now   func() time.Time
}

// NewMemoryConversationStore creates an empty in-memory store.
func NewMemoryConversationStore(dir ports.AppointmentDirectory) *MemoryConversationStore {
	return &MemoryConversationStore{
		dir:   dir,
		turns: make(map[int64][]ports.Turn),
		now:   time.Now,
	}
}

func (s *MemoryConversationStore) Append(ctx context.Context, appointmentID int64, role ports.Role, text string) (ports.Turn, error) {
	if err := validateTurn(role, text); err != nil {
		return ports.Turn{}, err
	}
	if err := checkAppointment(ctx, s.dir, appointmentID); err != nil {
		return ports.Turn{}, err
	}
	return s.insert(appointmentID, role, text, nil), nil
}

func (s *MemoryConversationStore) AppendAssistant(ctx context.Context, appointmentID int64, reply ports.Reply) (ports.Turn, error) {
	if err := checkAppointment(ctx, s.dir, appointmentID); err != nil {
		return ports.Turn{}, err
	}
	return s.insert(appointmentID, ports.RoleAssistant, CanonicalReplyText(reply), &reply), nil
}

func (s *MemoryConversationStore) insert(appointmentID int64, role ports.Role, text string, reply *ports.Reply) ports.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.turns[appointmentID]
	turn := ports.Turn{
		AppointmentID: appointmentID,
		Sequence:      int64(len(log)),
		Role:          role,
		Text:          text,
		CreatedAt:     s.now().UTC(),
		Reply:         reply,
	}
	s.turns[appointmentID] = append(log, turn)
	return turn
}

func (s *MemoryConversationStore) History(ctx context.Context, appointmentID int64) ([]ports.Turn, error) {
	if err := checkAppointment(ctx, s.dir, appointmentID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ports.Turn, len(s.turns[appointmentID]))
	copy(out, s.turns[appointmentID])
	return out, nil
}

func (s *MemoryConversationStore) LatestDiagnosis(ctx context.Context, appointmentID int64) (ports.DiagnosisView, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.turns[appointmentID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Role == ports.RoleAssistant && log[i].Reply != nil {
			return *log[i].Reply, true, nil
		}
	}
	return ports.DiagnosisView{}, false, nil
}

func (s *MemoryConversationStore) PendingAppointments(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, log := range s.turns {
		if len(log) > 0 && log[len(log)-1].Role == ports.RolePatient {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

var _ ports.ConversationStore = (*MemoryConversationStore)(nil)

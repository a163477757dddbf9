package providers

import (
	"context"
	"sync"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// Scripted replays canned replies without any network access. It backs
// local development and end-to-end tests.
type Scripted struct {
	mu      sync.Mutex
	replies []string
	calls   []ports.ModelInput
}

// NewScripted returns the replies in order, repeating the last one.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Complete(ctx context.Context, in ports.ModelInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, in)
	if len(s.replies) == 0 {
		return "", nil
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

// Calls returns every input received so far.
func (s *Scripted) Calls() []ports.ModelInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.ModelInput(nil), s.calls...)
}

var _ ports.Provider = (*Scripted)(nil)

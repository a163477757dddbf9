package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/adapters"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubGateway implements Gateway for testing.
type stubGateway struct {
	mu     sync.Mutex
	fn     func(ctx context.Context, in ports.ModelInput) (string, error)
	inputs []ports.ModelInput
}

func (g *stubGateway) Infer(ctx context.Context, in ports.ModelInput) (string, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, in)
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return "under observation###SEGMENT###Tell me more.", nil
	}
	return fn(ctx, in)
}

func (g *stubGateway) set(fn func(ctx context.Context, in ports.ModelInput) (string, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fn = fn
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Publish(ctx context.Context, update ports.DiagnosisUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

// failingAssistantStore loses every assistant append.
type failingAssistantStore struct {
	ports.ConversationStore
}

func (s failingAssistantStore) AppendAssistant(ctx context.Context, appointmentID int64, reply ports.Reply) (ports.Turn, error) {
	return ports.Turn{}, fmt.Errorf("%w: disk full", ports.ErrPersistence)
}

type testEngine struct {
	*Engine
	store   *adapters.MemoryConversationStore
	gateway *stubGateway
	cache   *adapters.LRUCache
}

func newTestEngine(t *testing.T, appointments ...int64) *testEngine {
	t.Helper()
	store := adapters.NewMemoryConversationStore(adapters.NewStaticAppointmentDirectory(appointments...))
	gateway := &stubGateway{}
	cache := adapters.NewLRUCache(16)
	e := NewEngine(Deps{
		Store:    store,
		Gateway:  gateway,
		Cache:    cache,
		CacheTTL: 60,
		Logger:   zerolog.New(zerolog.Nop()),
	})
	return &testEngine{Engine: e, store: store, gateway: gateway, cache: cache}
}

func requireTurnError(t *testing.T, err error) *TurnError {
	t.Helper()
	var te *TurnError
	require.ErrorAs(t, err, &te)
	return te
}

func TestSubmitEndToEnd(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 1)
	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		return "Common Cold###SEGMENT###Drink fluids and rest; see a doctor if it persists beyond 3 days.", nil
	})
	want := ports.Reply{Condition: "Common Cold", Advice: "Drink fluids and rest; see a doctor if it persists beyond 3 days."}

	notifier := &mockNotifier{}
	notifier.On("Publish", mock.Anything, ports.DiagnosisUpdate{AppointmentID: 1, Sequence: 1, Diagnosis: want}).Return(nil).Once()
	te.notifier = notifier

	reply, err := te.Submit(ctx, 1, "I've had a headache and mild fever for two days.")
	require.NoError(t, err)
	assert.Equal(t, want, reply)

	history, err := te.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(0), history[0].Sequence)
	assert.Equal(t, ports.RolePatient, history[0].Role)
	assert.Equal(t, "I've had a headache and mild fever for two days.", history[0].Text)
	assert.Equal(t, int64(1), history[1].Sequence)
	assert.Equal(t, ports.RoleAssistant, history[1].Role)

	view, ok, err := te.LatestDiagnosis(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, view)

	// The model saw exactly the new patient message after the instruction.
	require.Equal(t, 1, te.gateway.calls())
	in := te.gateway.inputs[0]
	assert.Equal(t, SystemInstruction, in.System)
	assert.Equal(t, []ports.ModelMessage{{Role: ports.ModelRoleUser, Text: "I've had a headache and mild fever for two days."}}, in.Messages)

	notifier.AssertExpectations(t)
}

func TestSubmitReplaysPriorTurns(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 1)

	_, err := te.Submit(ctx, 1, "my knee hurts")
	require.NoError(t, err)
	_, err = te.Submit(ctx, 1, "since yesterday")
	require.NoError(t, err)

	require.Equal(t, 2, te.gateway.calls())
	assert.Equal(t, []ports.ModelMessage{
		{Role: ports.ModelRoleUser, Text: "my knee hurts"},
		{Role: ports.ModelRoleModel, Text: "under observation###SEGMENT###Tell me more."},
		{Role: ports.ModelRoleUser, Text: "since yesterday"},
	}, te.gateway.inputs[1].Messages)
}

func TestSubmitUnknownAppointmentWritesNothing(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 1)

	_, err := te.Submit(ctx, 99, "hello")

	assert.ErrorIs(t, err, ports.ErrAppointmentNotFound)
	turnErr := requireTurnError(t, err)
	assert.Equal(t, StateIdle, turnErr.Stage)
	assert.False(t, turnErr.Resumable)
	assert.Zero(t, te.gateway.calls())

	pending, err := te.store.PendingAppointments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmitEmptyMessageIsValidationError(t *testing.T) {
	te := newTestEngine(t, 1)

	_, err := te.Submit(context.Background(), 1, "  \n ")

	assert.ErrorIs(t, err, ports.ErrValidation)
	assert.Equal(t, StateIdle, requireTurnError(t, err).Stage)
	assert.Zero(t, te.gateway.calls())
}

func TestGatewayFailureKeepsPatientTurnAndResumes(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 4)
	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		return "", fmt.Errorf("%w: backend down", ports.ErrGatewayUnavailable)
	})

	_, err := te.Submit(ctx, 4, "sore throat")
	assert.ErrorIs(t, err, ports.ErrGatewayUnavailable)
	turnErr := requireTurnError(t, err)
	assert.Equal(t, StatePatientTurnPersisted, turnErr.Stage)
	assert.True(t, turnErr.Resumable)

	history, err := te.History(ctx, 4)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ports.RolePatient, history[0].Role)

	_, ok, err := te.LatestDiagnosis(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		return "Pharyngitis###SEGMENT###Gargle with warm salt water.", nil
	})
	reply, err := te.Resume(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "Pharyngitis", reply.Condition)

	history, err = te.History(ctx, 4)
	require.NoError(t, err)
	require.Len(t, history, 2, "resume must not duplicate the patient turn")
	assert.Equal(t, int64(1), history[1].Sequence)
	assert.Equal(t, ports.RoleAssistant, history[1].Role)

	_, err = te.Resume(ctx, 4)
	assert.ErrorIs(t, err, ports.ErrNothingToResume)
	assert.False(t, requireTurnError(t, err).Resumable)
}

func TestAssistantPersistenceFailureIsDistinct(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 2)
	_, err := te.store.AppendAssistant(ctx, 2, ports.Reply{Condition: "Prior", Advice: "kept"})
	require.NoError(t, err)
	te.Engine.store = failingAssistantStore{te.store}

	_, err = te.Submit(ctx, 2, "new symptom")

	assert.ErrorIs(t, err, ports.ErrPersistence)
	turnErr := requireTurnError(t, err)
	assert.Equal(t, StateModelInvoked, turnErr.Stage)
	assert.True(t, turnErr.Resumable)

	// The previous diagnosis is untouched.
	view, ok, err := te.store.LatestDiagnosis(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Prior", view.Condition)

	pending, err := te.store.PendingAppointments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, pending)
}

func TestSameAppointmentTurnsNeverInterleave(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 3)

	var inFlight, maxInFlight atomic.Int32
	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return "under observation###SEGMENT###ok", nil
	})

	const submissions = 10
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := te.Submit(ctx, 3, fmt.Sprintf("message %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())

	history, err := te.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, history, 2*submissions)
	for i, turn := range history {
		assert.Equal(t, int64(i), turn.Sequence)
		if i%2 == 0 {
			assert.Equal(t, ports.RolePatient, turn.Role, "sequence %d", i)
		} else {
			assert.Equal(t, ports.RoleAssistant, turn.Role, "sequence %d", i)
		}
	}

	// Every inference saw the whole transcript before its own message.
	for _, in := range te.gateway.inputs {
		assert.Equal(t, ports.ModelRoleUser, in.Messages[len(in.Messages)-1].Role)
		assert.Equal(t, 1, len(in.Messages)%2)
	}
}

func TestDifferentAppointmentsRunInParallel(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, 11)

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		arrived.Done()
		select {
		case <-both:
			return "under observation###SEGMENT###ok", nil
		case <-time.After(2 * time.Second):
			return "", errors.New("appointments were serialized")
		}
	})

	var wg sync.WaitGroup
	for _, id := range []int64{10, 11} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := te.Submit(ctx, id, "hello")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
}

func TestCancelledWhileQueuedLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 5)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		close(entered)
		<-unblock
		return "under observation###SEGMENT###ok", nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := te.Submit(ctx, 5, "first")
		done <- err
	}()
	<-entered

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := te.Submit(waitCtx, 5, "second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateIdle, requireTurnError(t, err).Stage)

	close(unblock)
	require.NoError(t, <-done)

	history, err := te.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Text)
}

func TestNotifierFailureDoesNotFailTurn(t *testing.T) {
	te := newTestEngine(t, 6)
	notifier := &mockNotifier{}
	notifier.On("Publish", mock.Anything, mock.AnythingOfType("ports.DiagnosisUpdate")).Return(errors.New("listener gone"))
	te.notifier = notifier

	_, err := te.Submit(context.Background(), 6, "itchy eyes")

	require.NoError(t, err)
	notifier.AssertNumberOfCalls(t, "Publish", 1)
}

func TestLatestDiagnosisPrefersCache(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 8)
	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		return "Allergy###SEGMENT###Avoid pollen.", nil
	})

	_, err := te.Submit(ctx, 8, "sneezing")
	require.NoError(t, err)

	data, ok := te.cache.Get(ctx, diagnosisCacheKey(8))
	require.True(t, ok)
	var cached ports.DiagnosisView
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, "Allergy", cached.Condition)

	// A corrupt entry falls back to the store.
	require.NoError(t, te.cache.Set(ctx, diagnosisCacheKey(8), []byte("{"), 60))
	view, ok, err := te.LatestDiagnosis(ctx, 8)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Avoid pollen.", view.Advice)
}

func TestResumePending(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 20, 21, 22)
	te.gateway.set(func(ctx context.Context, in ports.ModelInput) (string, error) {
		return "", fmt.Errorf("%w: down", ports.ErrGatewayUnavailable)
	})
	for _, id := range []int64{20, 21} {
		_, err := te.Submit(ctx, id, "unanswered")
		require.Error(t, err)
	}

	te.gateway.set(nil)
	_, err := te.Submit(ctx, 22, "answered")
	require.NoError(t, err)

	results, err := te.ResumePending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	ids := []int64{results[0].AppointmentID, results[1].AppointmentID}
	assert.ElementsMatch(t, []int64{20, 21}, ids)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, "under observation", r.Reply.Condition)
	}

	pending, err := te.store.PendingAppointments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	results, err = te.ResumePending(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, results)
}

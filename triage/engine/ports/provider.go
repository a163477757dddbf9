package ports

import "context"

// ModelRole is the inference vocabulary. It is never persisted.
type ModelRole string

const (
	ModelRoleUser  ModelRole = "user"
	ModelRoleModel ModelRole = "model"
)

// ModelMessage is one chat entry replayed to the backend.
type ModelMessage struct {
	Role ModelRole
	Text string
}

// ModelInput is everything the backend receives for one inference.
type ModelInput struct {
	System   string         // constant instruction contract
	Messages []ModelMessage // prior turns then the newest patient message
}

// Provider is the abstraction for inference backends. Implementations return
// the raw reply text and report transport failures as *ProviderError.
type Provider interface {
	Name() string
	Complete(ctx context.Context, in ModelInput) (string, error)
}

// TokenCounter estimates the prompt size of a ModelInput.
type TokenCounter interface {
	Count(in ModelInput) int
}

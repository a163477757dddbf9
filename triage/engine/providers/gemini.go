package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"google.golang.org/genai"
)

// Gemini calls Google's Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGemini(ctx context.Context, apiKey, model string, temperature float32) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Gemini{client: client, model: model, temperature: temperature}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Complete sends the transcript as multi-turn contents with the instruction
// as the system instruction.
func (g *Gemini) Complete(ctx context.Context, in ports.ModelInput) (string, error) {
	contents := make([]*genai.Content, 0, len(in.Messages))
	for _, m := range in.Messages {
		contents = append(contents, genai.NewContentFromText(m.Text, genai.Role(m.Role)))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if in.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(in.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", &ports.ProviderError{Provider: g.Name(), StatusCode: geminiStatus(err), Err: err}
	}

	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: gemini blocked prompt: %s", ports.ErrGatewayRejected, resp.PromptFeedback.BlockReason)
		}
		return "", &ports.ProviderError{Provider: g.Name(), Err: errors.New("response has no candidates")}
	}
	return resp.Text(), nil
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}

var _ ports.Provider = (*Gemini)(nil)

package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/ZanzyTHEbar/triage-engine/triage/config"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedRepliesInOrderThenRepeatsLast(t *testing.T) {
	ctx := context.Background()
	s := NewScripted("first", "second")
	in := ports.ModelInput{Messages: []ports.ModelMessage{{Role: ports.ModelRoleUser, Text: "hi"}}}

	for _, want := range []string{"first", "second", "second"} {
		got, err := s.Complete(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Len(t, s.Calls(), 3)
}

func TestScriptedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScripted("x").Complete(ctx, ports.ModelInput{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, config.LLMConfig{Provider: "scripted", ScriptedReply: "flu###SEGMENT###rest"})
	require.NoError(t, err)
	assert.Equal(t, "scripted", p.Name())

	p, err = New(ctx, config.LLMConfig{Provider: "openai", APIKey: "sk-test", BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = New(ctx, config.LLMConfig{Provider: "gemini"})
	assert.Error(t, err, "gemini needs an api key")

	_, err = New(ctx, config.LLMConfig{Provider: "oracle"})
	assert.Error(t, err)
}

func TestOpenAIStatusExtraction(t *testing.T) {
	apiErr := &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}
	assert.Equal(t, http.StatusTooManyRequests, openAIStatus(apiErr))

	reqErr := &openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}
	assert.Equal(t, http.StatusBadGateway, openAIStatus(reqErr))

	assert.Zero(t, openAIStatus(errors.New("dial tcp: connection refused")))
}

func TestTokenCounterHeuristicFallback(t *testing.T) {
	c := &TiktokenCounter{}
	in := ports.ModelInput{
		System:   "abcdefgh",
		Messages: []ports.ModelMessage{{Role: ports.ModelRoleUser, Text: "abcde"}},
	}
	// Four characters per token, rounded up, plus framing per message.
	assert.Equal(t, 2+perMessageOverhead+2+perMessageOverhead, c.Count(in))
}

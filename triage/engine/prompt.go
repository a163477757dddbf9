package engine

import (
	"fmt"
	"strings"

	internal "github.com/ZanzyTHEbar/triage-engine/triage"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// SystemInstruction is the fixed contract every inference runs under.
var SystemInstruction = `You are the AI assistant of a medical pre-consultation service.
Using the patient's description of their symptoms and the conversation so far, do the following:

1. Infer the most likely condition name. If the information is not yet sufficient, write "` + internal.UnderObservation + `".
2. Once a condition is inferred, give brief care guidance or advice on seeking treatment.
   If you have not inferred a condition yet, do not give advice; instead ask the patient one
   follow-up question that helps narrow down the cause.

Reply format (mandatory):
Separate the condition from the rest of the reply with "` + internal.SegmentDelimiter + `", exactly once:
[condition]` + internal.SegmentDelimiter + `[friendly advice or follow-up question]

Example:
Common cold` + internal.SegmentDelimiter + `Drink plenty of warm water and get some rest.`

// PromptAssembler turns an appointment's transcript into a model input.
// It performs no I/O and never drops history.
type PromptAssembler struct {
	system string
}

func NewPromptAssembler() *PromptAssembler {
	return &PromptAssembler{system: SystemInstruction}
}

// Assemble maps prior turns to the model vocabulary and appends the newest
// patient message as the final user message.
func (a *PromptAssembler) Assemble(history []ports.Turn, newPatientText string) ports.ModelInput {
	// Normalize newlines and trim whitespace so equal transcripts give equal prompts
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	messages := make([]ports.ModelMessage, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, ports.ModelMessage{
			Role: modelRole(turn.Role),
			Text: norm(turn.Text),
		})
	}
	messages = append(messages, ports.ModelMessage{Role: ports.ModelRoleUser, Text: norm(newPatientText)})

	return ports.ModelInput{
		System:   norm(a.system),
		Messages: messages,
	}
}

// AssembleLog builds the input from a stored transcript whose newest turn is
// the patient message awaiting a reply.
func (a *PromptAssembler) AssembleLog(log []ports.Turn) (ports.ModelInput, error) {
	if len(log) == 0 || log[len(log)-1].Role != ports.RolePatient {
		return ports.ModelInput{}, ports.ErrNothingToResume
	}
	last := log[len(log)-1]
	return a.Assemble(log[:len(log)-1], last.Text), nil
}

func modelRole(r ports.Role) ports.ModelRole {
	switch r {
	case ports.RolePatient:
		return ports.ModelRoleUser
	case ports.RoleAssistant:
		return ports.ModelRoleModel
	default:
		panic(fmt.Sprintf("engine: turn with unknown role %s", r))
	}
}

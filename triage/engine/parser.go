package engine

import (
	"strings"
	"unicode"

	internal "github.com/ZanzyTHEbar/triage-engine/triage"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// ResponseParser decodes "<condition>###SEGMENT###<advice>" replies. It never
// fails: malformed output degrades to an under-observation reply.
type ResponseParser struct{}

func NewResponseParser() *ResponseParser { return &ResponseParser{} }

// Parse splits on the first delimiter. Later delimiters stay in the advice.
func (p *ResponseParser) Parse(raw string) ports.Reply {
	text := stripCodeFence(strings.TrimSpace(raw))

	condition, advice, found := strings.Cut(text, internal.SegmentDelimiter)
	if !found {
		return ports.Reply{Condition: internal.UnderObservation, Advice: strings.TrimSpace(text)}
	}

	condition = strings.TrimSpace(condition)
	if condition == "" {
		condition = internal.UnderObservation
	}
	return ports.Reply{Condition: condition, Advice: strings.TrimSpace(advice)}
}

// stripCodeFence unwraps a reply the model enclosed in a Markdown fence,
// with or without a language tag.
func stripCodeFence(s string) string {
	const fence = "```"
	if !strings.HasPrefix(s, fence) || len(s) < 2*len(fence) || !strings.HasSuffix(s, fence) {
		return s
	}
	body := strings.TrimSuffix(s, fence)
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return strings.TrimSpace(strings.TrimPrefix(body, fence))
	}
	// The opening line holds the fence and an optional language tag.
	if isLanguageTag(body[len(fence):nl]) {
		return strings.TrimSpace(body[nl+1:])
	}
	return strings.TrimSpace(body[len(fence):])
}

func isLanguageTag(s string) bool {
	for _, r := range strings.TrimSpace(s) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("-_+.", r) {
			return false
		}
	}
	return true
}

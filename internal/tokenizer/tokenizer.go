// Package tokenizer provides deterministic token estimation per
// provider family. The OpenAI family uses tiktoken; other families use
// calibrated character heuristics so estimates are stable across runs.
package tokenizer

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Family identifies a provider tokenizer family, matched by model_id
// prefix.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
	FamilyDefault   Family = "default"
)

// Characters-per-token divisors for families without a local tokenizer.
// Calibrated against published tokenizer behavior; deterministic by
// construction.
const (
	anthropicCharsPerToken = 3.5
	geminiCharsPerToken    = 4.0
	defaultCharsPerToken   = 4.0
)

// Per-message overhead applied by common chat wire formats.
const messageOverheadTokens = 4

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// FamilyFor maps a model identifier onto its tokenizer family.
func FamilyFor(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "text-embedding"), strings.HasPrefix(m, "chatgpt"):
		return FamilyOpenAI
	case strings.HasPrefix(m, "claude"):
		return FamilyAnthropic
	case strings.HasPrefix(m, "gemini"):
		return FamilyGemini
	default:
		return FamilyDefault
	}
}

// Count returns the token count for text under the given model's
// family. Unknown families fall back to a conservative len/4 estimate.
func Count(model, text string) int {
	if text == "" {
		return 0
	}
	switch FamilyFor(model) {
	case FamilyOpenAI:
		if enc := getEncoding(model); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
		return heuristic(text, defaultCharsPerToken)
	case FamilyAnthropic:
		return heuristic(text, anthropicCharsPerToken)
	case FamilyGemini:
		return heuristic(text, geminiCharsPerToken)
	default:
		return heuristic(text, defaultCharsPerToken)
	}
}

// EstimatePrompt estimates input tokens for a logical prompt, including
// tool descriptors and per-message formatting overhead.
func EstimatePrompt(model string, prompt *types.LogicalPrompt) int {
	if prompt == nil {
		return 0
	}

	total := Count(model, prompt.System)
	for _, msg := range prompt.Messages {
		total += Count(model, string(msg.Role))
		total += Count(model, msg.Content)
		for _, call := range msg.ToolCalls {
			total += Count(model, call.Name)
			total += Count(model, string(call.Arguments))
		}
		total += messageOverheadTokens
	}
	for _, tool := range prompt.Tools {
		total += Count(model, tool.Name)
		total += Count(model, tool.Description)
		total += Count(model, string(tool.InputSchema))
	}
	if len(prompt.OutputSchema) > 0 {
		total += Count(model, string(prompt.OutputSchema))
	}

	// Reply primer used by chat formats.
	total += 3
	return total
}

// EstimateResponse counts completion tokens from normalized response
// content, used when a provider omits usage.
func EstimateResponse(model string, resp *types.InferenceResponse) int {
	if resp == nil {
		return 0
	}
	total := Count(model, resp.Content)
	for _, call := range resp.ToolCalls {
		total += Count(model, call.Name)
		total += Count(model, string(call.Arguments))
	}
	return total
}

// Truncate returns a prefix of text not exceeding maxTokens under the
// model's tokenizer, used to bound embedding inputs.
func Truncate(model, text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return ""
	}
	if Count(model, text) <= maxTokens {
		return text
	}
	if FamilyFor(model) == FamilyOpenAI {
		if enc := getEncoding(model); enc != nil {
			tokens := enc.Encode(text, nil, nil)
			if len(tokens) <= maxTokens {
				return text
			}
			return enc.Decode(tokens[:maxTokens])
		}
	}
	// Heuristic families: cut on the character budget.
	limit := int(float64(maxTokens) * defaultCharsPerToken)
	runes := []rune(text)
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit])
}

func heuristic(text string, charsPerToken float64) int {
	n := int(float64(utf8.RuneCountInString(text)) / charsPerToken)
	if n < 1 {
		n = 1
	}
	return n
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}

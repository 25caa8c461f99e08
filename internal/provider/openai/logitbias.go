package openai

import (
	"fmt"
	"strconv"

	"github.com/ginkida/chat-runner/internal/llm"
)

// biasWeight is the maximum bias the API accepts. Applied to every allowed
// token it makes any other token practically unreachable.
const biasWeight = 100

// digitTokens maps the single-digit strings to their cl100k_base token ids.
var digitTokens = map[string]int{
	"0": 15, "1": 16, "2": 17, "3": 18, "4": 19,
	"5": 20, "6": 21, "7": 22, "8": 23, "9": 24,
}

// logitBias converts an allowed vocabulary into a logit_bias object.
func logitBias(vocab []string, ids map[string]int) (map[string]int, error) {
	bias := make(map[string]int, len(vocab))
	for _, tok := range vocab {
		id, ok := ids[tok]
		if !ok {
			return nil, &llm.TransportError{
				Op:  "build request",
				Err: fmt.Errorf("%w: no token id for %q", llm.ErrUnsupportedVocabulary, tok),
			}
		}
		bias[strconv.Itoa(id)] = biasWeight
	}
	return bias, nil
}

package agent

import (
	"errors"
	"strings"

	"github.com/wreckit/wreckit/internal/limits"
)

// classifySignature maps error text from any variant onto the shared error
// taxonomy. Matching is substring-based over lowercased text; the first rule
// wins, unknown otherwise.
var classifyRules = []struct {
	kind    ErrorKind
	needles []string
}{
	{ErrAuth, []string{"authentication", "unauthorized", "invalid api key", "invalid x-api-key", "401", "credential"}},
	{ErrRateLimit, []string{"rate limit", "rate_limit", "429", "too many requests", "overloaded"}},
	{ErrContextLimit, []string{"context length", "context_length", "maximum context", "prompt is too long", "token limit"}},
	{ErrNetwork, []string{"connection refused", "connection reset", "no such host", "dial tcp", "tls handshake", "timeout awaiting", "eof", "network"}},
	{ErrToolDenied, []string{"tool denied", "tool not allowed", "not in allowlist"}},
}

func classifySignature(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, rule := range classifyRules {
		for _, n := range rule.needles {
			if strings.Contains(lower, n) {
				return rule.kind
			}
		}
	}
	return ErrUnknown
}

// classifyError wraps classifySignature, pulling out limit breaches and
// cancellations first since those carry their own types.
func classifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var ex *limits.ExceededError
	if errors.As(err, &ex) {
		return &Error{Kind: ErrLimitExceeded, Message: ex.Error()}
	}
	return &Error{Kind: classifySignature(err.Error()), Message: err.Error()}
}

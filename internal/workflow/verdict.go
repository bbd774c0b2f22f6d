package workflow

import (
	"encoding/json"
	"strings"
)

// Verdict is the required final output of a critique turn.
type Verdict struct {
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Critique string `json:"critique"`
}

func (v *Verdict) Approved() bool { return v != nil && v.Status == "approved" }

// ParseVerdict scans the agent output for the last JSON object that decodes
// to a valid verdict. Agents chatter before the verdict and append the
// completion signal after it, so the scan runs back to front.
func ParseVerdict(output string) *Verdict {
	for end := len(output); end > 0; {
		last := strings.LastIndexByte(output[:end], '}')
		if last < 0 {
			return nil
		}
		// Walk candidate opening braces outward so nested objects inside the
		// critique text do not shadow the verdict object.
		depth := 0
		for i := last; i >= 0; i-- {
			switch output[i] {
			case '}':
				depth++
			case '{':
				depth--
			}
			if depth == 0 {
				var v Verdict
				if err := json.Unmarshal([]byte(output[i:last+1]), &v); err == nil {
					if v.Status == "approved" || v.Status == "rejected" {
						return &v
					}
				}
				break
			}
		}
		end = last
	}
	return nil
}

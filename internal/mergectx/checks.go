package mergectx

import (
	"strings"

	"github.com/ealebed/anubis/internal/forgeclient"
)

// checksState is the aggregate verdict for the required-check counting
// rule of spec.md §4.3.
type checksState string

const (
	checksPending checksState = "pending"
	checksSuccess checksState = "success"
	checksFailure checksState = "failure"
)

// evaluateRequiredChecks compares the forge's declared required contexts
// (or the config override k, when non-zero) against a ref's combined
// status, matching contexts by prefix so sharded checks (e.g.
// "Jenkins(build test) #17" against a required "Jenkins(build test)")
// still count.
func evaluateRequiredChecks(required []string, k int, cs forgeclient.CombinedStatus) (checksState, []forgeclient.CheckStatus) {
	if k <= 0 {
		k = len(required)
	}

	matchedByContext := make(map[string]forgeclient.CheckStatus)
	for _, s := range cs.Statuses {
		for _, req := range required {
			if strings.HasPrefix(s.Context, req) {
				matchedByContext[s.Context] = s
				break
			}
		}
	}
	matched := make([]forgeclient.CheckStatus, 0, len(matchedByContext))
	for _, s := range matchedByContext {
		matched = append(matched, s)
	}

	nonPending, allSuccess, anyPending := 0, true, false
	for _, s := range matched {
		if s.State == "pending" {
			anyPending = true
			continue
		}
		nonPending++
		if s.State != "success" {
			allSuccess = false
		}
	}

	switch {
	case nonPending >= k && allSuccess:
		return checksSuccess, matched
	case anyPending:
		return checksPending, matched
	default:
		return checksFailure, matched
	}
}

// missingExactContexts finds required contexts with no status carrying
// that exact context string, even though a prefix match succeeded — the
// synthesis step of spec.md §4.3, copying description/targetUrl from the
// matching succeeded check.
func missingExactContexts(required []string, matched []forgeclient.CheckStatus) []forgeclient.CheckStatus {
	have := make(map[string]bool, len(matched))
	for _, m := range matched {
		have[m.Context] = true
	}
	var out []forgeclient.CheckStatus
	for _, req := range required {
		if have[req] {
			continue
		}
		for _, m := range matched {
			if strings.HasPrefix(m.Context, req) && m.State == "success" {
				out = append(out, forgeclient.CheckStatus{
					Context:     req,
					State:       "success",
					Description: m.Description,
					TargetURL:   m.TargetURL,
				})
				break
			}
		}
	}
	return out
}

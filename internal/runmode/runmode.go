// Package runmode decides, once per run, whether the run harvests full history.
package runmode

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
)

// DefaultThreshold is the age of the last execution that forces a full refresh.
const DefaultThreshold = 30 * 24 * time.Hour

// Mode is the run scoped harvest mode. It is computed once and passed down.
type Mode struct {
	FullRefresh bool
	Reason      string
}

// Decide returns a full refresh when forced, when there was no previous
// execution, when the previous execution failed, or when it is at least
// threshold old. Ages are compared in whole days.
func Decide(state schemas.TriggerState, now time.Time, threshold time.Duration, force bool) Mode {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	switch {
	case force:
		return Mode{FullRefresh: true, Reason: "forced"}
	case state.LastExecution == nil:
		return Mode{FullRefresh: true, Reason: "no previous execution"}
	case state.LastFailure != nil && (state.LastSuccess == nil || state.LastFailure.After(*state.LastSuccess)):
		return Mode{FullRefresh: true, Reason: "previous execution failed"}
	}

	days := int(now.Sub(*state.LastExecution) / (24 * time.Hour))
	thresholdDays := int(threshold / (24 * time.Hour))
	if days >= thresholdDays {
		return Mode{FullRefresh: true, Reason: fmt.Sprintf("last execution %d days ago", days)}
	}
	return Mode{Reason: fmt.Sprintf("incremental, last execution %d days ago", days)}
}

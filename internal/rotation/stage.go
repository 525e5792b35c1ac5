package rotation

import "fmt"

// Stage is the plan's position in the rotation state machine.
//
// The happy path is PLANNING → GENERATING_NEW_KEY → DEPLOYING_NEW_KEY →
// VERIFYING_NEW_KEY → RETIRING_OLD_KEY → COMPLETED. Any non-terminal stage
// can divert to ROLLING_BACK → FAILED. Cancellation takes the same path and
// is tracked as a flag on the plan, not as a separate terminal stage.
type Stage int

const (
	StagePlanning Stage = iota
	StageGeneratingKey
	StageDeploying
	StageVerifying
	StageRetiring
	StageCompleted
	StageRollingBack
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StagePlanning:
		return "planning"
	case StageGeneratingKey:
		return "generating_new_key"
	case StageDeploying:
		return "deploying_new_key"
	case StageVerifying:
		return "verifying_new_key"
	case StageRetiring:
		return "retiring_old_key"
	case StageCompleted:
		return "completed"
	case StageRollingBack:
		return "rolling_back"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether the stage is an end state.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

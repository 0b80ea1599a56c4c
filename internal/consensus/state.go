package consensus

// State tracks where a machine is in its single protocol run. Aborted is
// reachable from any non-Idle state; Done is the terminal success state.
type State int

const (
	Idle State = iota
	Proposing
	AwaitingProposeReplies
	Committing
	AwaitingCommitReplies
	Finalizing
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Proposing:
		return "proposing"
	case AwaitingProposeReplies:
		return "awaiting-propose-replies"
	case Committing:
		return "committing"
	case AwaitingCommitReplies:
		return "awaiting-commit-replies"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

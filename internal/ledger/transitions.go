package ledger

import "github.com/mycelian/shardtracker/internal/model"

var allowed = map[model.ExecutionState][]model.ExecutionState{
	model.ExecutionRequested: {model.ExecutionRunning, model.ExecutionCancelled},
	model.ExecutionRunning:   {model.ExecutionCompleted, model.ExecutionFailed, model.ExecutionCancelled},
}

// CanTransition reports whether an execution may move from one state to another.
func CanTransition(from, to model.ExecutionState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

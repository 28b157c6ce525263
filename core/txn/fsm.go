package txn

import (
	"github.com/vadiminshakov/txcoord/core/dto"
)

var transitions = map[dto.TransactionState]map[dto.TransactionState]struct{}{
	dto.StateActive: {
		dto.StatePreparing: struct{}{},
		dto.StateAborting:  struct{}{},
	},
	dto.StatePreparing: {
		dto.StatePrepared: struct{}{},
		dto.StateAborting: struct{}{},
	},
	dto.StatePrepared: {
		dto.StateCommitting: struct{}{},
		dto.StateAborting:   struct{}{},
	},
	dto.StateCommitting: {
		dto.StateCommitted: struct{}{},
		dto.StateAborting:  struct{}{},
	},
	dto.StateAborting: {
		dto.StateAborted: struct{}{},
	},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to dto.TransactionState) bool {
	if allowed, ok := transitions[from]; ok {
		_, ok = allowed[to]
		return ok
	}
	return false
}

package dto

// TransactionState is the lifecycle state of a distributed transaction.
type TransactionState int32

const (
	StateActive TransactionState = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

var stateNames = map[TransactionState]string{
	StateActive:     "active",
	StatePreparing:  "preparing",
	StatePrepared:   "prepared",
	StateCommitting: "committing",
	StateCommitted:  "committed",
	StateAborting:   "aborting",
	StateAborted:    "aborted",
}

func (s TransactionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether no transition can leave s.
func (s TransactionState) IsTerminal() bool {
	return s == StateCommitted || s == StateAborted
}

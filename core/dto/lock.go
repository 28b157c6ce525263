package dto

import "time"

// LockType is the mode a resource lock is held in.
type LockType int

const (
	LockShared LockType = iota
	LockExclusive
	LockIntentionShared
	LockIntentionExclusive
)

var lockNames = map[LockType]string{
	LockShared:             "S",
	LockExclusive:          "X",
	LockIntentionShared:    "IS",
	LockIntentionExclusive: "IX",
}

func (l LockType) String() string {
	if name, ok := lockNames[l]; ok {
		return name
	}
	return "unknown"
}

var compatibility = map[LockType]map[LockType]struct{}{
	LockShared: {
		LockShared:          {},
		LockIntentionShared: {},
	},
	LockExclusive: {},
	LockIntentionShared: {
		LockShared:             {},
		LockIntentionShared:    {},
		LockIntentionExclusive: {},
	},
	LockIntentionExclusive: {
		LockIntentionShared:    {},
		LockIntentionExclusive: {},
	},
}

// CompatibleWith reports whether a lock of type l can be granted while
// another transaction holds a lock of type held on the same resource.
func (l LockType) CompatibleWith(held LockType) bool {
	_, ok := compatibility[l][held]
	return ok
}

// Covers reports whether holding l already grants everything other grants.
func (l LockType) Covers(other LockType) bool {
	switch l {
	case LockExclusive:
		return true
	case LockShared:
		return other == LockShared || other == LockIntentionShared
	case LockIntentionExclusive:
		return other == LockIntentionExclusive || other == LockIntentionShared
	case LockIntentionShared:
		return other == LockIntentionShared
	}
	return false
}

// ResourceLock is a lock granted to a transaction on behalf of a node.
type ResourceLock struct {
	Resource   ResourceID
	Holder     NodeID
	Tx         TransactionID
	Type       LockType
	AcquiredAt time.Time
}

// HoldTime returns how long the lock has been held at now.
func (l ResourceLock) HoldTime(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

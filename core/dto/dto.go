// Package dto provides data transfer objects shared by the coordinator,
// the commit protocol engine and participants.
//
// This package defines identifiers, the messages exchanged with participants
// and the records produced by protocol rounds.
package dto

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// TransactionID identifies a distributed transaction.
type TransactionID string

// NodeID identifies a participant or coordinator node.
type NodeID string

// ResourceID identifies a lockable resource.
type ResourceID string

// NewTransactionID returns a fresh random transaction id.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// NodeSet is a set of node ids.
type NodeSet map[NodeID]struct{}

// NewNodeSet creates a set holding the given nodes.
func NewNodeSet(nodes ...NodeID) NodeSet {
	s := make(NodeSet, len(nodes))
	for _, n := range nodes {
		s[n] = struct{}{}
	}
	return s
}

// Add inserts node into the set.
func (s NodeSet) Add(node NodeID) {
	s[node] = struct{}{}
}

// Contains reports whether node is in the set. A nil set contains nothing.
func (s NodeSet) Contains(node NodeID) bool {
	_, ok := s[node]
	return ok
}

// Sorted returns set members in lexical order.
func (s NodeSet) Sorted() []NodeID {
	nodes := make([]NodeID, 0, len(s))
	for n := range s {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// MessageType discriminates the payloads exchanged with participants.
type MessageType uint8

const (
	// MessagePrepare asks a participant to vote.
	MessagePrepare MessageType = iota + 1
	// MessageCommit tells a participant to make its prepared work durable.
	MessageCommit
	// MessageAbort tells a participant to discard its prepared work.
	MessageAbort
)

func (m MessageType) String() string {
	switch m {
	case MessagePrepare:
		return "prepare"
	case MessageCommit:
		return "commit"
	case MessageAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Message priorities used by the commit round.
const (
	PriorityNormal uint8 = 1
	PriorityHigh   uint8 = 2
)

// Request is a message sent by the coordinator to a participant.
type Request struct {
	Type        MessageType
	Tx          TransactionID
	Coordinator NodeID
	Priority    uint8
	Payload     []byte // opaque, interpreted by participants only
}

// Response is a participant's reply to a Request.
type Response struct {
	Type    MessageType
	Tx      TransactionID
	Node    NodeID
	Success bool
	Reason  string
}

// PrepareResponse is a participant's vote in a prepare round.
type PrepareResponse struct {
	Node      NodeID
	Success   bool
	Reason    string
	Timestamp time.Time
}

// PrepareSuccess creates a yes vote for node.
func PrepareSuccess(node NodeID) PrepareResponse {
	return PrepareResponse{Node: node, Success: true, Timestamp: time.Now()}
}

// PrepareFailure creates a no vote for node.
func PrepareFailure(node NodeID, reason string) PrepareResponse {
	return PrepareResponse{Node: node, Reason: reason, Timestamp: time.Now()}
}

// CommitResult is the terminal classification of a commit attempt.
type CommitResult int

const (
	Committed CommitResult = iota
	Aborted
	Timeout
	// ByzantineFailure means participants disagreed during the commit round:
	// some acknowledged the commit while others did not.
	ByzantineFailure
)

func (r CommitResult) String() string {
	switch r {
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	case Timeout:
		return "timeout"
	case ByzantineFailure:
		return "byzantine_failure"
	default:
		return "unknown"
	}
}

// RoundMetrics describes one or more protocol rounds.
type RoundMetrics struct {
	Participants int
	Successful   int
	Failed       int
	Duration     time.Duration
}

// Merge combines the metrics of two rounds of the same protocol invocation.
// The participant count is kept from the first round that has one.
func (m RoundMetrics) Merge(other RoundMetrics) RoundMetrics {
	merged := RoundMetrics{
		Participants: m.Participants,
		Successful:   m.Successful + other.Successful,
		Failed:       m.Failed + other.Failed,
		Duration:     m.Duration + other.Duration,
	}
	if merged.Participants == 0 {
		merged.Participants = other.Participants
	}
	return merged
}

// Outcome is the final record of a finished transaction.
type Outcome struct {
	Tx      TransactionID
	Result  CommitResult
	Reason  string
	Metrics RoundMetrics
	// Votes are the prepare answers recorded before the transaction finished.
	Votes      map[NodeID]PrepareResponse
	FinishedAt time.Time
}

// TransactionInfo is a read-only snapshot of a live transaction.
type TransactionInfo struct {
	ID             TransactionID
	State          TransactionState
	Participants   []NodeID
	StartedAt      time.Time
	PreparingSince time.Time // zero unless the transaction has entered Preparing
	Deadline       time.Time
}

// Package deadlock finds transactions that are likely deadlocked and asks
// the registry to sacrifice one of them.
package deadlock

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/core/dto"
)

// VictimPolicy decides which suspect is aborted.
type VictimPolicy int

const (
	// Oldest aborts the suspect with the earliest start time.
	Oldest VictimPolicy = iota
	// Youngest aborts the suspect with the latest start time.
	Youngest
)

func (p VictimPolicy) String() string {
	if p == Youngest {
		return "youngest"
	}
	return "oldest"
}

// ParseVictimPolicy parses "oldest" or "youngest".
func ParseVictimPolicy(s string) (VictimPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "oldest":
		return Oldest, nil
	case "youngest":
		return Youngest, nil
	}
	return Oldest, errors.Errorf("unknown victim policy %q", s)
}

// SelectVictim picks exactly one transaction from candidates. Ties on start
// time go to the lexically smaller id so the choice is deterministic.
func SelectVictim(candidates []dto.TransactionInfo, policy VictimPolicy) (dto.TransactionID, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	victim := candidates[0]
	for _, c := range candidates[1:] {
		if preferred(c, victim, policy) {
			victim = c
		}
	}
	return victim.ID, true
}

func preferred(a, b dto.TransactionInfo, policy VictimPolicy) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		if policy == Youngest {
			return a.StartedAt.After(b.StartedAt)
		}
		return a.StartedAt.Before(b.StartedAt)
	}
	return a.ID < b.ID
}

// Source exposes the state the detector scans.
type Source interface {
	Transactions() []dto.TransactionInfo
	// Deadlocked returns transactions on a wait-for cycle.
	Deadlocked() []dto.TransactionID
}

// Resolver aborts one victim among the suspects.
type Resolver interface {
	HandleDeadlock(ids []dto.TransactionID) (dto.TransactionID, bool)
}

// Detector periodically scans for deadlock suspects. A transaction is a
// suspect if it has been preparing for longer than threshold or it sits on a
// wait-for cycle.
type Detector struct {
	source    Source
	resolver  Resolver
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
}

func NewDetector(source Source, resolver Resolver, interval, threshold time.Duration) *Detector {
	return &Detector{
		source:    source,
		resolver:  resolver,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
	}
}

// Scan returns the sorted suspects at now.
func (d *Detector) Scan(now time.Time) []dto.TransactionID {
	suspects := make(map[dto.TransactionID]struct{})

	for _, info := range d.source.Transactions() {
		if info.State != dto.StatePreparing || info.PreparingSince.IsZero() {
			continue
		}
		if now.Sub(info.PreparingSince) > d.threshold {
			suspects[info.ID] = struct{}{}
		}
	}
	for _, id := range d.source.Deadlocked() {
		suspects[id] = struct{}{}
	}

	out := make([]dto.TransactionID, 0, len(suspects))
	for id := range suspects {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run scans every interval until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Detector) tick() {
	suspects := d.Scan(d.now())
	if len(suspects) == 0 {
		return
	}

	log.Warnf("potential deadlock detected among transactions %v", suspects)
	if victim, ok := d.resolver.HandleDeadlock(suspects); ok {
		log.Infof("aborted transaction %s to resolve deadlock", victim)
	}
}

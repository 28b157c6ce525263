// Package risk supplies per-node failure probabilities to the commit protocol.
package risk

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/helpers"
)

// DefaultProbability is used for nodes without a configured value.
const DefaultProbability = 0.01

// FetchFunc loads a fresh probability map.
type FetchFunc func(ctx context.Context) (map[dto.NodeID]float64, error)

// Table is a static or periodically refreshed failure-probability map.
type Table struct {
	mu       sync.RWMutex
	probs    map[dto.NodeID]float64
	fallback float64
}

func NewTable(probs map[dto.NodeID]float64) *Table {
	t := &Table{fallback: DefaultProbability}
	t.Update(probs)
	return t
}

// Probability returns the failure probability of node in [0, 1].
func (t *Table) Probability(node dto.NodeID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.probs[node]; ok {
		return p
	}
	return t.fallback
}

// Update replaces the whole map.
func (t *Table) Update(probs map[dto.NodeID]float64) {
	cp := make(map[dto.NodeID]float64, len(probs))
	for node, p := range probs {
		cp[node] = helpers.Clamp01(p)
	}

	t.mu.Lock()
	t.probs = cp
	t.mu.Unlock()
}

func (t *Table) Set(node dto.NodeID, p float64) {
	t.mu.Lock()
	t.probs[node] = helpers.Clamp01(p)
	t.mu.Unlock()
}

// Refresh calls fetch every interval until ctx is done. A failed fetch keeps
// the previous values.
func (t *Table) Refresh(ctx context.Context, interval time.Duration, fetch FetchFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probs, err := fetch(ctx)
			if err != nil {
				log.Warnf("failed to refresh failure probabilities: %v", err)
				continue
			}
			t.Update(probs)
		}
	}
}

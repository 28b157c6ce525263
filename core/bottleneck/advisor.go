// Package bottleneck tells the commit protocol which participants are
// currently bottlenecked, so that they get longer timeouts and higher
// commit priority.
package bottleneck

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/helpers"
)

// DefaultThreshold is the score above which a node is a bottleneck.
const DefaultThreshold = 0.5

// Static reports a fixed set of bottleneck nodes.
type Static struct {
	nodes dto.NodeSet
}

func NewStatic(nodes ...dto.NodeID) *Static {
	return &Static{nodes: dto.NewNodeSet(nodes...)}
}

func (s *Static) CurrentBottlenecks(participants []dto.NodeID) dto.NodeSet {
	out := make(dto.NodeSet)
	for _, p := range participants {
		if s.nodes.Contains(p) {
			out.Add(p)
		}
	}
	return out
}

// NodeMetrics are the resource figures reported for a node.
type NodeMetrics struct {
	LockContention     float64 // percent
	CPUUtilization     float64 // percent
	MemoryUsageGB      float64
	TransactionsPerSec float64
}

// MetricsTable holds the latest metrics of every node.
type MetricsTable struct {
	mu      sync.RWMutex
	metrics map[dto.NodeID]NodeMetrics
}

func NewMetricsTable(metrics map[dto.NodeID]NodeMetrics) *MetricsTable {
	t := &MetricsTable{}
	t.Update(metrics)
	return t
}

// Update replaces all metrics.
func (t *MetricsTable) Update(metrics map[dto.NodeID]NodeMetrics) {
	cp := make(map[dto.NodeID]NodeMetrics, len(metrics))
	for k, v := range metrics {
		cp[k] = v
	}
	t.mu.Lock()
	t.metrics = cp
	t.mu.Unlock()
}

// Set replaces the metrics of one node.
func (t *MetricsTable) Set(node dto.NodeID, m NodeMetrics) {
	t.mu.Lock()
	t.metrics[node] = m
	t.mu.Unlock()
}

// FetchFunc loads fresh metrics of every reporting node.
type FetchFunc func(ctx context.Context) (map[dto.NodeID]NodeMetrics, error)

// Refresh calls fetch every interval until ctx is done. A failed fetch keeps
// the previous values.
func (t *MetricsTable) Refresh(ctx context.Context, interval time.Duration, fetch FetchFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := fetch(ctx)
			if err != nil {
				log.Warnf("failed to refresh node metrics: %v", err)
				continue
			}
			t.Update(metrics)
		}
	}
}

func (t *MetricsTable) Get(node dto.NodeID) (NodeMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metrics[node]
	return m, ok
}

// LockLoad reports the locks the coordinator holds on behalf of a node.
type LockLoad interface {
	LocksHeldBy(node dto.NodeID) int
	MeanHoldTime(node dto.NodeID, now time.Time) time.Duration
}

// Ranked is a node with its bottleneck score.
type Ranked struct {
	Node  dto.NodeID
	Score float64
}

// Scorer flags nodes whose weighted load score exceeds a threshold:
//
//	score = 0.30·lock contention + 0.25·resource pressure + 0.20·transaction rate
//	      + 0.15·locks held + 0.10·lock hold time
//
// with every factor normalized to [0, 1].
type Scorer struct {
	metrics   *MetricsTable
	load      LockLoad
	threshold float64
	now       func() time.Time
}

func NewScorer(metrics *MetricsTable, load LockLoad, threshold float64) *Scorer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scorer{metrics: metrics, load: load, threshold: threshold, now: time.Now}
}

// Score returns the node's bottleneck score in [0, 1].
func (s *Scorer) Score(node dto.NodeID) float64 {
	m, _ := s.metrics.Get(node)

	lockContention := helpers.Clamp01(m.LockContention / 15)
	cpu := helpers.Clamp01((m.CPUUtilization - 45) / 27)
	mem := helpers.Clamp01((m.MemoryUsageGB - 4) / 12)
	rate := helpers.Clamp01(m.TransactionsPerSec / 300)

	var held, hold float64
	if s.load != nil {
		held = helpers.Clamp01(float64(s.load.LocksHeldBy(node)) / 50)
		hold = helpers.Clamp01(float64(s.load.MeanHoldTime(node, s.now())) / float64(5*time.Second))
	}

	return 0.3*lockContention +
		0.25*(cpu+mem)/2 +
		0.2*rate +
		0.15*held +
		0.1*hold
}

// Rank returns participants ordered by descending score.
func (s *Scorer) Rank(participants []dto.NodeID) []Ranked {
	out := make([]Ranked, 0, len(participants))
	for _, p := range participants {
		out = append(out, Ranked{Node: p, Score: s.Score(p)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node < out[j].Node
	})
	return out
}

func (s *Scorer) CurrentBottlenecks(participants []dto.NodeID) dto.NodeSet {
	out := make(dto.NodeSet)
	for _, r := range s.Rank(participants) {
		if r.Score > s.threshold {
			out.Add(r.Node)
		}
	}
	return out
}

// Package nodestats reads the node load report that feeds bottleneck
// scoring and failure probabilities. The report is a YAML file written by
// an operator or a monitoring job:
//
//	nodes:
//	  core1:
//	    lock_contention: 20
//	    cpu_utilization: 85
//	    memory_gb: 12
//	    transactions_per_sec: 250
//	    failure_probability: 0.05
package nodestats

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/txcoord/core/bottleneck"
	"github.com/vadiminshakov/txcoord/core/dto"
	"gopkg.in/yaml.v3"
)

type Node struct {
	LockContention     float64 `yaml:"lock_contention"`
	CPUUtilization     float64 `yaml:"cpu_utilization"`
	MemoryUsageGB      float64 `yaml:"memory_gb"`
	TransactionsPerSec float64 `yaml:"transactions_per_sec"`
	// nil keeps the configured probability
	FailureProbability *float64 `yaml:"failure_probability"`
}

type Report struct {
	Nodes map[string]Node `yaml:"nodes"`
}

// Parse decodes a report. Unknown fields are rejected.
func Parse(data []byte) (*Report, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var r Report
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode node stats")
	}
	for id, n := range r.Nodes {
		if p := n.FailureProbability; p != nil && (*p < 0 || *p > 1) {
			return nil, errors.Errorf("failure probability of %s out of [0, 1]: %v", id, *p)
		}
	}
	return &r, nil
}

// Metrics returns the load figures of every reported node.
func (r *Report) Metrics() map[dto.NodeID]bottleneck.NodeMetrics {
	out := make(map[dto.NodeID]bottleneck.NodeMetrics, len(r.Nodes))
	for id, n := range r.Nodes {
		out[dto.NodeID(id)] = bottleneck.NodeMetrics{
			LockContention:     n.LockContention,
			CPUUtilization:     n.CPUUtilization,
			MemoryUsageGB:      n.MemoryUsageGB,
			TransactionsPerSec: n.TransactionsPerSec,
		}
	}
	return out
}

// Probabilities overlays the reported failure probabilities on base.
func (r *Report) Probabilities(base map[dto.NodeID]float64) map[dto.NodeID]float64 {
	out := make(map[dto.NodeID]float64, len(base)+len(r.Nodes))
	for id, p := range base {
		out[id] = p
	}
	for id, n := range r.Nodes {
		if n.FailureProbability != nil {
			out[dto.NodeID(id)] = *n.FailureProbability
		}
	}
	return out
}

// Source re-reads the report file on every call.
type Source struct {
	path string
	base map[dto.NodeID]float64
}

// NewSource reads reports from path. base holds the probabilities of nodes
// the report does not mention.
func NewSource(path string, base map[dto.NodeID]float64) *Source {
	return &Source{path: path, base: base}
}

func (s *Source) Load() (*Report, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "read node stats")
	}
	r, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, s.path)
	}
	return r, nil
}

// Metrics is a bottleneck.FetchFunc.
func (s *Source) Metrics(ctx context.Context) (map[dto.NodeID]bottleneck.NodeMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	return r.Metrics(), nil
}

// Probabilities is a risk.FetchFunc.
func (s *Source) Probabilities(ctx context.Context) (map[dto.NodeID]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	return r.Probabilities(s.base), nil
}

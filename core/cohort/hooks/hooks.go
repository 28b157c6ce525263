package hooks

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/core/dto"
)

// DefaultHook only logs.
type DefaultHook struct{}

func NewDefaultHook() *DefaultHook {
	return &DefaultHook{}
}

func (h *DefaultHook) OnPrepare(req dto.Request) bool {
	log.Debugf("prepare hook for tx %s is OK", req.Tx)
	return true
}

func (h *DefaultHook) OnCommit(req dto.Request) bool {
	log.Debugf("commit hook for tx %s is OK", req.Tx)
	return true
}

// ValidationHook rejects prepares whose payload exceeds maxPayload bytes.
type ValidationHook struct {
	maxPayload int
}

func NewValidationHook(maxPayload int) *ValidationHook {
	return &ValidationHook{maxPayload: maxPayload}
}

func (v *ValidationHook) OnPrepare(req dto.Request) bool {
	if len(req.Payload) > v.maxPayload {
		log.Errorf("payload of tx %s too large: %d > %d", req.Tx, len(req.Payload), v.maxPayload)
		return false
	}
	if req.Coordinator == "" {
		log.Errorf("tx %s has no coordinator", req.Tx)
		return false
	}
	return true
}

func (v *ValidationHook) OnCommit(req dto.Request) bool {
	return req.Tx != ""
}

// MetricsHook counts prepare and commit operations.
type MetricsHook struct {
	prepares  atomic.Uint64
	commits   atomic.Uint64
	startTime time.Time
}

func NewMetricsHook() *MetricsHook {
	return &MetricsHook{startTime: time.Now()}
}

func (m *MetricsHook) OnPrepare(req dto.Request) bool {
	n := m.prepares.Add(1)
	log.WithFields(log.Fields{
		"tx":            req.Tx,
		"prepare_count": n,
		"uptime":        time.Since(m.startTime),
	}).Debug("metrics: prepare operation")
	return true
}

func (m *MetricsHook) OnCommit(req dto.Request) bool {
	n := m.commits.Add(1)
	log.WithFields(log.Fields{
		"tx":           req.Tx,
		"commit_count": n,
		"uptime":       time.Since(m.startTime),
	}).Debug("metrics: commit operation")
	return true
}

// Stats returns the prepare and commit counters and the hook's uptime.
func (m *MetricsHook) Stats() (uint64, uint64, time.Duration) {
	return m.prepares.Load(), m.commits.Load(), time.Since(m.startTime)
}

package protocol

import (
	"time"

	"github.com/vadiminshakov/txcoord/core/helpers"
)

const (
	bottleneckFactor       = 1.5
	commitBottleneckFactor = 2
)

// AsymmetricTimeout scales base by a node's failure probability and
// bottleneck status: base × (1 + 2p) × (1.5 if bottleneck).
func AsymmetricTimeout(base time.Duration, failureProbability float64, bottleneck bool) time.Duration {
	factor := 1 + 2*helpers.Clamp01(failureProbability)
	if bottleneck {
		factor *= bottleneckFactor
	}
	return time.Duration(float64(base) * factor)
}

// CommitTimeout gives bottleneck nodes twice the base timeout in the commit round.
func CommitTimeout(base time.Duration, bottleneck bool) time.Duration {
	if bottleneck {
		return base * commitBottleneckFactor
	}
	return base
}

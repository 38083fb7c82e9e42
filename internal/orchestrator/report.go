package orchestrator

import (
	"context"
	"time"

	"github.com/terrascape/foliage/internal/sampler"
)

// Build outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// Report summarises one finished build.
type Report struct {
	BuildID  string    `json:"buildId"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	ReadbackDuration     time.Duration `json:"readbackDuration"`
	SamplingDuration     time.Duration `json:"samplingDuration"`
	DistributionDuration time.Duration `json:"distributionDuration"`
	Frames               int           `json:"frames"`

	Stats        sampler.Stats  `json:"stats"`
	Transforms   int            `json:"transforms"`
	CountsByMesh map[string]int `json:"countsByMesh,omitempty"`
	Updated      int            `json:"updated"`
	Skipped      int            `json:"skipped"`
	Instances    int            `json:"instances"`
}

// Duration is the wall time from request to completion.
func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Reporter receives every finished build. Reports are delivered from the
// frame thread, or from a readback worker when the readback fails, so
// implementations must be safe for concurrent use.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

package matching

import (
	"fmt"
	"math"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// Thresholds split match scores into three buckets.
// AutoApprove >= RequireReview >= AutoReject, all in [0,1].
type Thresholds struct {
	AutoApprove   float64 `json:"autoApprove"`
	RequireReview float64 `json:"requireReview"`
	AutoReject    float64 `json:"autoReject"`
}

// DefaultThresholds are used when a session is created without thresholds.
var DefaultThresholds = Thresholds{AutoApprove: 0.95, RequireReview: 0.7, AutoReject: 0.3}

// Validate returns ErrInvalidThresholds when a value is out of range or the
// ordering does not hold.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"autoApprove":   t.AutoApprove,
		"requireReview": t.RequireReview,
		"autoReject":    t.AutoReject,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be between 0 and 1, got %v", core.ErrInvalidThresholds, name, v)
		}
	}
	if t.AutoApprove < t.RequireReview || t.RequireReview < t.AutoReject {
		return fmt.Errorf("%w: need autoApprove >= requireReview >= autoReject, got %.2f/%.2f/%.2f",
			core.ErrInvalidThresholds, t.AutoApprove, t.RequireReview, t.AutoReject)
	}
	return nil
}

// ThresholdsPatch is a partial update; nil fields keep their value.
type ThresholdsPatch struct {
	AutoApprove   *float64 `json:"autoApprove,omitempty"`
	RequireReview *float64 `json:"requireReview,omitempty"`
	AutoReject    *float64 `json:"autoReject,omitempty"`
}

// Apply returns t with the patch merged in.
func (p ThresholdsPatch) Apply(t Thresholds) Thresholds {
	if p.AutoApprove != nil {
		t.AutoApprove = *p.AutoApprove
	}
	if p.RequireReview != nil {
		t.RequireReview = *p.RequireReview
	}
	if p.AutoReject != nil {
		t.AutoReject = *p.AutoReject
	}
	return t
}

// Bucket is the threshold class of a match score.
type Bucket string

const (
	BucketAutoApproved   Bucket = "auto_approved"
	BucketRequiresReview Bucket = "requires_review"
	BucketAutoRejected   Bucket = "auto_rejected"
)

// Classify buckets score. The auto-approve boundary wins when both
// boundaries coincide.
func (t Thresholds) Classify(score float64) Bucket {
	switch {
	case score >= t.AutoApprove:
		return BucketAutoApproved
	case score <= t.AutoReject:
		return BucketAutoRejected
	default:
		return BucketRequiresReview
	}
}

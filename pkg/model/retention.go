package model

import (
	"fmt"
	"time"
)

// RetentionPolicy configures cleanup of old snapshots and backups for a
// source. The newest KeepCount items are always kept; older items are only
// removed once they are at least MinAge old.
type RetentionPolicy struct {
	KeepCount int           `json:"keep_count"`
	MinAge    time.Duration `json:"min_age"`
}

// DefaultRetentionPolicy returns the default retention policy.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepCount: 10,
		MinAge:    7 * 24 * time.Hour,
	}
}

// Validate checks if the retention policy is valid.
func (rp *RetentionPolicy) Validate() error {
	if rp.KeepCount < 0 {
		return &InvalidRetentionPolicyError{
			Field:  "keep_count",
			Reason: "must be non-negative",
			Value:  rp.KeepCount,
		}
	}
	if rp.MinAge < 0 {
		return &InvalidRetentionPolicyError{
			Field:  "min_age",
			Reason: "must be non-negative",
			Value:  rp.MinAge,
		}
	}
	return nil
}

// InvalidRetentionPolicyError is returned when a retention policy is invalid.
type InvalidRetentionPolicyError struct {
	Field  string
	Reason string
	Value  any
}

func (e *InvalidRetentionPolicyError) Error() string {
	return fmt.Sprintf("invalid retention policy: %s %s (got: %v)", e.Field, e.Reason, e.Value)
}

// CleanupPlan is the result of planning retention for one source.
type CleanupPlan struct {
	Policy    RetentionPolicy `json:"policy"`
	Keep      []string        `json:"keep"`
	Protected []string        `json:"protected,omitempty"`
	ToDelete  []string        `json:"to_delete"`
}

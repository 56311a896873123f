package domain

import "math"

// AgentMetrics describes one turn. It is computed once at verification time.
type AgentMetrics struct {
	TaskID          string   `json:"task_id"`
	Iterations      int      `json:"iterations"`
	InputTokens     int      `json:"input_tokens"`
	OutputTokens    int      `json:"output_tokens"`
	TotalTokens     int      `json:"total_tokens"`
	DurationSeconds float64  `json:"duration_seconds"`
	CostUSD         float64  `json:"total_cost_usd"`
	ToolsCalled     []string `json:"tools_called"`
	Success         bool     `json:"success"`
	Error           string   `json:"error,omitempty"`
	BoundExceeded   string   `json:"bound_exceeded,omitempty"`
}

// Clone returns a deep copy of the metrics.
func (m AgentMetrics) Clone() AgentMetrics {
	out := m
	if m.ToolsCalled != nil {
		out.ToolsCalled = append([]string(nil), m.ToolsCalled...)
	}
	return out
}

// Bucket is the discrete view of a confidence score.
type Bucket string

const (
	BucketHigh   Bucket = "high"
	BucketMedium Bucket = "medium"
	BucketLow    Bucket = "low"
)

// ConfidenceScore is a value in [0,1]. The bucket is always derived.
type ConfidenceScore struct {
	Value float64 `json:"value"`
}

// NewConfidence clamps v into [0,1] and rounds to three decimals.
func NewConfidence(v float64) ConfidenceScore {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return ConfidenceScore{Value: math.Round(v*1000) / 1000}
}

// Bucket derives the discrete bucket from the numeric score.
func (c ConfidenceScore) Bucket() Bucket {
	return BucketFor(c.Value)
}

// BucketFor maps a score to its bucket.
func BucketFor(score float64) Bucket {
	switch {
	case score >= 0.8:
		return BucketHigh
	case score >= 0.5:
		return BucketMedium
	default:
		return BucketLow
	}
}

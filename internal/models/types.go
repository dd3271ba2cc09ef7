package models

import "time"

// Package models defines the data types that flow between collectors, the
// anomaly core and downstream consumers (transport, UI, user hooks).

// AnomalyType classifies the detected anomaly pattern.
type AnomalyType string

const (
	AnomalySpike               AnomalyType = "spike"
	AnomalyDrift               AnomalyType = "drift"
	AnomalyThresholdBreach     AnomalyType = "threshold_breach"
	AnomalyMemoryLeakSuspected AnomalyType = "memory_leak_suspected"
)

// Severity is the ordinal classification attached to a verdict.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so callers can filter with >=.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// MetricSample is a single named observation produced by a collector.
type MetricSample struct {
	Name      string                 `json:"name"`
	Value     float64                `json:"value"`
	Unit      string                 `json:"unit,omitempty"`
	Tags      map[string]string      `json:"tags,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// BaselineRef is the slice of the baseline embedded in a verdict.
type BaselineRef struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// AnomalyEvent is the verdict published on the anomaly channel.
type AnomalyEvent struct {
	Type      AnomalyType            `json:"type"`
	Severity  Severity               `json:"severity"`
	Metric    MetricSample           `json:"metric"`
	Message   string                 `json:"message"`
	Baseline  BaselineRef            `json:"baseline"`
	Score     float64                `json:"score"` // 0.0-1.0
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

package model

import "time"

// EndpointRecord is this layer's read view of a catalog endpoint row.
// Only the probe-result fields are ever written back.
type EndpointRecord struct {
	ID         int64
	ProviderID int64
	URL        string
	IsEnabled  bool
	DeletedAt  *time.Time
	SortOrder  int32
	// LastProbeOk is tri-state: true/false from the most recent probe,
	// nil when the endpoint has never been probed.
	LastProbeOk        *bool
	LastProbeLatencyMs *int64
}

// ProbeResult captures one active or passive health observation.
type ProbeResult struct {
	EndpointID   int64
	Ok           bool
	StatusCode   int
	LatencyMs    int64
	ErrorType    string
	ErrorMessage string
	ProbedAt     time.Time
}

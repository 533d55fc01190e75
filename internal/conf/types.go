package conf

import "google.golang.org/protobuf/types/known/durationpb"

// Bootstrap is the root configuration for the RelayGuard service.
type Bootstrap struct {
	Server  *Server
	Data    *Data
	Gateway *Gateway
	Log     *Log
}

// Server holds transport server configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds the HTTP server configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds data layer configuration (MySQL catalog + Redis shared store).
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds the catalog database configuration.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds the shared-store connection configuration.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Gateway holds admission-control and upstream-health configuration.
type Gateway struct {
	Admission *Gateway_Admission
	Breaker   *Gateway_Breaker
	Lease     *Gateway_Lease
	Prober    *Gateway_Prober
}

// Gateway_Admission configures the concurrency session tracker.
type Gateway_Admission struct {
	// SessionTtl is the sliding retention window for active-session
	// membership. A crashed instance's sessions age out after this.
	SessionTtl *durationpb.Duration
	// GlobalLimit caps concurrent in-flight requests across all tenants.
	// <= 0 means unlimited.
	GlobalLimit int32
}

// Gateway_Breaker configures the provider/endpoint circuit breakers.
type Gateway_Breaker struct {
	// ConfigTtl is how long per-provider breaker configuration is cached
	// in-process before it is re-fetched from the catalog.
	ConfigTtl *durationpb.Duration
	// StateTtl is the shared-store TTL for persisted breaker health records.
	StateTtl *durationpb.Duration
	// InvalidationChannel is the pub/sub channel for config invalidations.
	InvalidationChannel string
	// Defaults used when the catalog has no row or the fetch fails.
	DefaultFailureThreshold         int32
	DefaultOpenDuration             *durationpb.Duration
	DefaultHalfOpenSuccessThreshold int32
}

// Gateway_Lease configures the quota lease manager.
type Gateway_Lease struct {
	// RefreshInterval is how often lease snapshots are re-fetched.
	RefreshInterval *durationpb.Duration
	// Percent is the fraction of the remaining budget granted per lease.
	Percent float64
	// CapUsd is an absolute upper bound on a single lease slice. <= 0 disables.
	CapUsd float64
}

// Gateway_Prober configures active endpoint health probing.
type Gateway_Prober struct {
	// Interval is the pause between probe cycles.
	Interval *durationpb.Duration
	// BatchSize is the maximum number of endpoints probed per cycle.
	BatchSize int32
	// Concurrency bounds in-flight probes within a cycle.
	Concurrency int32
	// Timeout is the hard per-probe deadline.
	Timeout *durationpb.Duration
	// LogRetention is how long probe audit rows are kept.
	LogRetention *durationpb.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	OutputFile string
	Env        string
}

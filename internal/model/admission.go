package model

// ScopeType names one concurrency-limit scope.
type ScopeType string

const (
	ScopeGlobal   ScopeType = "global"
	ScopeProvider ScopeType = "provider"
	ScopeKey      ScopeType = "key"
	ScopeUser     ScopeType = "user"
)

// ScopeSpec binds a scope to an entity id and its concurrency limit.
// Limit <= 0 means unlimited: the scope is still tracked but never rejects.
type ScopeSpec struct {
	Scope ScopeType
	ID    string
	Limit int32
}

// AdmissionRequest asks whether a session may start a new in-flight request.
type AdmissionRequest struct {
	SessionID     string
	ProviderID    string
	KeyID         string
	UserID        string
	ProviderLimit int32
	KeyLimit      int32
	UserLimit     int32
}

// AdmissionDecision is the outcome of a multi-scope concurrency check.
// RejectedBy is empty when Allowed is true.
type AdmissionDecision struct {
	Allowed    bool
	RejectedBy ScopeType
	// Counts holds the surviving member count per scope window at decision
	// time, excluding the requesting session's own prior admission.
	Counts map[ScopeType]int64
}

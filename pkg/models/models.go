package models

import "time"

// Node statuses. A node reports "active" once its agent registers; owners may
// park a node as "inactive", which rejects all ingest from it.
const (
	NodeStatusActive   = "active"
	NodeStatusInactive = "inactive"
	NodeStatusUnknown  = "unknown"
)

// Alert lifecycle statuses.
const (
	AlertStatusOpen          = "open"
	AlertStatusInvestigating = "investigating"
	AlertStatusResolved      = "resolved"
)

// Decoy kinds.
const (
	DecoyKindFile       = "file"
	DecoyKindService    = "service"
	DecoyKindPort       = "port"
	DecoyKindHoneytoken = "honeytoken"
)

// Decoy statuses.
const (
	DecoyStatusActive   = "active"
	DecoyStatusInactive = "inactive"
)

// Merged feed row kinds.
const (
	FeedKindHoneypotLog = "honeypot_log"
	FeedKindAgentEvent  = "agent_event"
)

// User represents a dashboard principal.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Node is a deployed probe: a honeypot host or an endpoint agent.
// KeyHash is the verifier for the node credential; the credential cleartext
// is never stored and never appears on this type.
type Node struct {
	ID        string     `json:"node_id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"` // active | inactive | unknown
	OSType    string     `json:"os_type,omitempty"`
	Hostname  string     `json:"hostname,omitempty"`
	AgentOS   string     `json:"agent_os,omitempty"`
	KeyHash   string     `json:"-"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
}

// ProvisionedNode is the create-node response shape. It is the only place the
// node credential cleartext appears; no read path can produce this type.
type ProvisionedNode struct {
	Node
	APIKey string `json:"node_api_key"`
}

// Decoy is a bait resource on a node. (NodeID, Name) is unique per node;
// repeated agent events for the same name increment TriggerCount instead of
// creating duplicates.
type Decoy struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	Name          string     `json:"file_name"`
	FilePath      string     `json:"file_path,omitempty"`
	Kind          string     `json:"type"` // file | service | port | honeytoken
	Status        string     `json:"status"`
	Port          int        `json:"port,omitempty"`
	TriggerCount  int64      `json:"triggers_count"`
	LastTriggered *time.Time `json:"last_accessed"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Classification is the classifier verdict attached to every raw event.
// The zero-risk fallback (unknown/0/0/false) is used when the classifier is
// unreachable; it is indistinguishable on the wire from a genuine verdict.
type Classification struct {
	AttackType string  `json:"attack_type"`
	RiskScore  float64 `json:"risk_score"` // 0..10
	Confidence float64 `json:"confidence"` // 0..1
	IsAnomaly  bool    `json:"is_anomaly"`
}

// FeatureVector is the classifier input: exactly six numeric features in a
// fixed order. Order matters to the model; Values() is the canonical layout.
type FeatureVector struct {
	FailedLogins     float64 `json:"failed_logins"`
	RequestRate      float64 `json:"request_rate"`
	CommandsCount    float64 `json:"commands_count"`
	SQLPayload       float64 `json:"sql_payload"`       // 0 or 1
	HoneytokenAccess float64 `json:"honeytoken_access"` // 0 or 1
	SessionTime      float64 `json:"session_time"`      // seconds
}

// Values returns the features in model order.
func (f FeatureVector) Values() [6]float64 {
	return [6]float64{
		f.FailedLogins,
		f.RequestRate,
		f.CommandsCount,
		f.SQLPayload,
		f.HoneytokenAccess,
		f.SessionTime,
	}
}

// HoneypotLog is a raw ingested record from a honeypot service (SSH, FTP,
// web). Immutable after insert.
type HoneypotLog struct {
	ID             string         `json:"id"`
	NodeID         string         `json:"node_id"`
	Service        string         `json:"service"`
	SourceIP       string         `json:"source_ip"`
	Activity       string         `json:"activity"`
	Payload        string         `json:"payload"`
	Extra          map[string]any `json:"extra,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Classification Classification `json:"ml_prediction"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AgentEvent is a raw ingested record from an endpoint agent, typically a
// honeytoken access. Immutable after insert.
type AgentEvent struct {
	ID             string         `json:"id"`
	NodeID         string         `json:"node_id"`
	Hostname       string         `json:"hostname"`
	Username       string         `json:"username"`
	FileAccessed   string         `json:"file_accessed"`
	FilePath       string         `json:"file_path"`
	Action         string         `json:"action"`
	Severity       string         `json:"severity"`
	AlertType      string         `json:"alert_type"`
	Timestamp      time.Time      `json:"timestamp"`
	Classification Classification `json:"ml_prediction"`
	CreatedAt      time.Time      `json:"created_at"`
}

// FeedEvent is one row of the merged event feed: honeypot logs and agent
// events flattened into a common shape, ordered by timestamp descending.
type FeedEvent struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"` // honeypot_log | agent_event
	NodeID       string    `json:"node_id"`
	Timestamp    time.Time `json:"timestamp"`
	SourceID     string    `json:"source_ip"` // source IP, or hostname for agent events
	EventType    string    `json:"event_type"`
	Action       string    `json:"action,omitempty"` // agent events only
	Severity     string    `json:"severity"`
	RelatedDecoy string    `json:"related_decoy,omitempty"`
	AttackType   string    `json:"attack_type"`
	RiskScore    float64   `json:"risk_score"`
}

// Alert is a materialised high-risk incident. UserID is denormalised from the
// node's owner at ingest time so alert queries never need a join.
type Alert struct {
	ID         string    `json:"id"`
	AlertID    string    `json:"alert_id"` // human-readable label, e.g. ALERT-20260204100000-1.2.3.4
	Timestamp  time.Time `json:"timestamp"`
	SourceIP   string    `json:"source_ip"`
	Service    string    `json:"service"`
	Activity   string    `json:"activity"`
	AttackType string    `json:"attack_type"`
	RiskScore  float64   `json:"risk_score"`
	Confidence float64   `json:"confidence"`
	Severity   string    `json:"severity"`
	Payload    string    `json:"payload,omitempty"`
	NodeID     string    `json:"node_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"` // open | investigating | resolved
	CreatedAt  time.Time `json:"created_at"`
}

// AttackerProfile aggregates everything observed about one source identifier.
// Counters and instants are monotone; the maps are histograms keyed by attack
// kind and targeted service.
type AttackerProfile struct {
	SourceIP         string           `json:"source_ip"`
	TotalAttacks     int64            `json:"total_attacks"`
	MostCommonAttack string           `json:"most_common_attack"`
	AverageRiskScore float64          `json:"average_risk_score"`
	AttackTypes      map[string]int64 `json:"attack_types"`
	ServicesTargeted map[string]int64 `json:"services_targeted"`
	FirstSeen        time.Time        `json:"first_seen"`
	LastSeen         time.Time        `json:"last_seen"`
}

// Stats is the dashboard statistics payload, all values scoped to one user.
type Stats struct {
	TotalAttacks      int64   `json:"total_attacks"`
	ActiveAlerts      int64   `json:"active_alerts"`
	UniqueAttackers   int64   `json:"unique_attackers"`
	AvgRiskScore      float64 `json:"avg_risk_score"`
	HighRiskCount     int64   `json:"high_risk_count"`
	TotalNodes        int64   `json:"total_nodes"`
	ActiveNodes       int64   `json:"active_nodes"`
	RecentRiskAverage float64 `json:"recent_risk_average"`
}

// SeverityForRisk maps a 0..10 risk score to the dashboard severity bands.
func SeverityForRisk(risk float64) string {
	switch {
	case risk >= 9:
		return "critical"
	case risk >= 7:
		return "high"
	case risk >= 4:
		return "medium"
	default:
		return "low"
	}
}

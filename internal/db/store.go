package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

// Store failure kinds. Callers branch on these with errors.Is; everything
// else is treated as StorageUnavailable by the HTTP layer.
var (
	ErrNotFound = errors.New("db: not found")
	ErrConflict = errors.New("db: uniqueness violation")
)

// EventFilter narrows the merged event feed. Zero values mean "no filter".
// Limit is clamped to [1, 1000]; 0 means the default of 100.
type EventFilter struct {
	NodeID   string
	Severity string
	Search   string // case-insensitive substring across source, activity, kind, decoy name
	Limit    int
}

// AlertFilter narrows alert listings. Zero values mean "no filter".
type AlertFilter struct {
	Severity string
	Status   string
	Limit    int
}

// ProfileUpdate is one attacker-profile accumulation step.
type ProfileUpdate struct {
	SourceIP   string
	AttackType string
	Service    string
	RiskScore  float64
	SeenAt     time.Time
}

// Store is the persistence surface. Each method is a single logical read or
// write; multi-step workflows are orchestrated by the ingest pipeline, not
// here. Implementations: PostgresStore (production) and MemoryStore (tests).
type Store interface {
	// Users.
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	// Nodes.
	CreateNode(ctx context.Context, node *models.Node) error
	ListNodesByUser(ctx context.Context, userID string) ([]models.Node, error)
	GetNode(ctx context.Context, nodeID string) (*models.Node, error)
	UpdateNodeStatus(ctx context.Context, nodeID, status string) error
	// UpdateNodeKey atomically replaces the node's credential verifier.
	UpdateNodeKey(ctx context.Context, nodeID, keyHash string) error
	RegisterAgent(ctx context.Context, nodeID, hostname, agentOS string, seenAt time.Time) error
	TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error
	DeleteNode(ctx context.Context, nodeID string) error

	// Decoys. RecordDecoyTrigger upserts by (node, name) and increments the
	// trigger count; RegisterDecoy creates the row if absent without touching
	// counters and reports whether a row was created.
	RecordDecoyTrigger(ctx context.Context, nodeID, name, kind string, triggeredAt time.Time) error
	RegisterDecoy(ctx context.Context, decoy *models.Decoy) (bool, error)
	ListDecoysByNode(ctx context.Context, nodeID string, kind string) ([]models.Decoy, error)
	ListDecoysByNodes(ctx context.Context, nodeIDs []string, kind string, limit int) ([]models.Decoy, error)
	GetDecoy(ctx context.Context, id string) (*models.Decoy, error)
	UpdateDecoyStatus(ctx context.Context, id, status string) error
	DeleteDecoy(ctx context.Context, id string) error

	// Raw events.
	AppendHoneypotLog(ctx context.Context, logEntry *models.HoneypotLog) error
	AppendAgentEvent(ctx context.Context, event *models.AgentEvent) error
	ListEvents(ctx context.Context, nodeIDs []string, filter EventFilter) ([]models.FeedEvent, error)

	// Alerts.
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, userID string, filter AlertFilter) ([]models.Alert, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	UpdateAlertStatus(ctx context.Context, id, status string) error

	// Attacker profiles. UpsertAttackerProfile must behave as if updates for
	// the same source were applied in some serial order.
	UpsertAttackerProfile(ctx context.Context, update ProfileUpdate) error
	GetAttackerProfile(ctx context.Context, sourceIP string) (*models.AttackerProfile, error)

	// Aggregations.
	UserStats(ctx context.Context, userID string, highRiskThreshold float64) (*models.Stats, error)

	// Liveness.
	Ping(ctx context.Context) error
	Close()
}

// ClampEventLimit applies the listing bounds shared by both store
// implementations: default 100, cap 1000.
func ClampEventLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// ClampDecoyLimit applies the decoy listing default of 50, cap 1000.
func ClampDecoyLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// newRowID mints a primary key for rows created inside the store itself,
// e.g. a decoy row materialised by its first trigger.
func newRowID() string {
	return uuid.New().String()
}

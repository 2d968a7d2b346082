package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.CreateUser(ctx, &models.User{ID: "user-1", Email: "alice@example.com"})
	require.NoError(t, err)

	// Same address with different casing is still the same account.
	err = store.CreateUser(ctx, &models.User{ID: "user-2", Email: "Alice@Example.com"})
	assert.ErrorIs(t, err, ErrConflict)

	u, err := store.GetUserByEmail(ctx, "ALICE@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
}

func TestRecordDecoyTriggerCreatesThenIncrements(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	require.NoError(t, store.RecordDecoyTrigger(ctx, "node-a", "passwords.txt", models.DecoyKindHoneytoken, first))
	require.NoError(t, store.RecordDecoyTrigger(ctx, "node-a", "passwords.txt", models.DecoyKindHoneytoken, second))
	// A delayed delivery must not move last_triggered backwards.
	require.NoError(t, store.RecordDecoyTrigger(ctx, "node-a", "passwords.txt", models.DecoyKindHoneytoken, first))

	decoys, err := store.ListDecoysByNode(ctx, "node-a", "")
	require.NoError(t, err)
	require.Len(t, decoys, 1, "repeated triggers must not create duplicate rows")

	d := decoys[0]
	assert.Equal(t, int64(3), d.TriggerCount)
	require.NotNil(t, d.LastTriggered)
	assert.True(t, d.LastTriggered.Equal(second))
	assert.Equal(t, models.DecoyStatusActive, d.Status)
}

func TestRegisterDecoySkipsExisting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.RegisterDecoy(ctx, &models.Decoy{
		ID: "d-1", NodeID: "node-a", Name: "ssh_config", Kind: models.DecoyKindFile, Status: models.DecoyStatusActive,
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.RegisterDecoy(ctx, &models.Decoy{
		ID: "d-2", NodeID: "node-a", Name: "ssh_config", Kind: models.DecoyKindFile, Status: models.DecoyStatusActive,
	})
	require.NoError(t, err)
	assert.False(t, created, "re-registering the same (node, name) must be a no-op")

	// Triggers accumulated before re-registration survive it.
	require.NoError(t, store.RecordDecoyTrigger(ctx, "node-a", "ssh_config", models.DecoyKindFile, time.Now()))
	created, err = store.RegisterDecoy(ctx, &models.Decoy{
		ID: "d-3", NodeID: "node-a", Name: "ssh_config", Kind: models.DecoyKindFile,
	})
	require.NoError(t, err)
	assert.False(t, created)

	d, err := store.GetDecoy(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.TriggerCount)
}

func TestUpsertAttackerProfileAggregation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t0 := time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)
	updates := []ProfileUpdate{
		{SourceIP: "203.0.113.9", AttackType: "brute_force", Service: "ssh", RiskScore: 8, SeenAt: t0},
		{SourceIP: "203.0.113.9", AttackType: "sql_injection", Service: "http", RiskScore: 6, SeenAt: t0.Add(time.Hour)},
		{SourceIP: "203.0.113.9", AttackType: "brute_force", Service: "ssh", RiskScore: 4, SeenAt: t0.Add(-time.Hour)},
	}
	for _, u := range updates {
		require.NoError(t, store.UpsertAttackerProfile(ctx, u))
	}

	p, err := store.GetAttackerProfile(ctx, "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, int64(3), p.TotalAttacks)
	assert.InDelta(t, 6.0, p.AverageRiskScore, 1e-9)
	assert.Equal(t, "brute_force", p.MostCommonAttack)
	assert.Equal(t, int64(2), p.AttackTypes["brute_force"])
	assert.Equal(t, int64(1), p.AttackTypes["sql_injection"])
	assert.Equal(t, int64(2), p.ServicesTargeted["ssh"])
	// Out-of-order delivery still lands on the true first/last instants.
	assert.True(t, p.FirstSeen.Equal(t0.Add(-time.Hour)))
	assert.True(t, p.LastSeen.Equal(t0.Add(time.Hour)))
}

func TestUpsertAttackerProfileConcurrentCallers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			attack := "brute_force"
			if i%2 == 1 {
				attack = "sql_injection"
			}
			errs <- store.UpsertAttackerProfile(ctx, ProfileUpdate{
				SourceIP:   "198.51.100.7",
				AttackType: attack,
				Service:    "ssh",
				RiskScore:  float64(i % 10),
				SeenAt:     base.Add(time.Duration(i) * time.Second),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every update must land exactly once regardless of interleaving.
	p, err := store.GetAttackerProfile(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, int64(n), p.TotalAttacks)

	var histogram int64
	for _, count := range p.AttackTypes {
		histogram += count
	}
	assert.Equal(t, int64(n), histogram)
	assert.Equal(t, int64(n), p.ServicesTargeted["ssh"])
	assert.False(t, p.FirstSeen.After(p.LastSeen))
	assert.True(t, p.FirstSeen.Equal(base))
	assert.True(t, p.LastSeen.Equal(base.Add((n-1)*time.Second)))
}

func TestUpsertAttackerProfileTieBreaksLexically(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertAttackerProfile(ctx, ProfileUpdate{SourceIP: "a", AttackType: "scan", Service: "ssh", SeenAt: now}))
	require.NoError(t, store.UpsertAttackerProfile(ctx, ProfileUpdate{SourceIP: "a", AttackType: "brute_force", Service: "ssh", SeenAt: now}))

	p, err := store.GetAttackerProfile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "brute_force", p.MostCommonAttack, "equal counts resolve to the lexically smallest type")
}

func TestListEventsMergesAndFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendHoneypotLog(ctx, &models.HoneypotLog{
		ID: "h-1", NodeID: "node-a", Service: "ssh", SourceIP: "198.51.100.7", Activity: "login_attempt",
		Timestamp:      t0,
		Classification: models.Classification{AttackType: "brute_force", RiskScore: 8.2},
	}))
	require.NoError(t, store.AppendAgentEvent(ctx, &models.AgentEvent{
		ID: "a-1", NodeID: "node-b", Hostname: "WORKSTATION-7", FileAccessed: "passwords.txt",
		Action: "file_read", AlertType: "honeytoken_triggered", Severity: "HIGH",
		Timestamp:      t0.Add(time.Minute),
		Classification: models.Classification{AttackType: "insider_threat", RiskScore: 9.1},
	}))
	require.NoError(t, store.AppendHoneypotLog(ctx, &models.HoneypotLog{
		ID: "h-2", NodeID: "node-a", Service: "http", SourceIP: "192.0.2.1", Activity: "scan",
		Timestamp:      t0.Add(2 * time.Minute),
		Classification: models.Classification{AttackType: "reconnaissance", RiskScore: 2.0},
	}))
	// Event on a node outside the caller's scope never shows up.
	require.NoError(t, store.AppendHoneypotLog(ctx, &models.HoneypotLog{
		ID: "h-3", NodeID: "node-z", SourceIP: "10.0.0.1", Timestamp: t0.Add(3 * time.Minute),
	}))

	scope := []string{"node-a", "node-b"}

	all, err := store.ListEvents(ctx, scope, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"h-2", "a-1", "h-1"}, []string{all[0].ID, all[1].ID, all[2].ID},
		"feed must be ordered newest first")

	// Honeypot severity is derived from risk, agent severity is normalised.
	assert.Equal(t, "high", all[2].Severity)
	assert.Equal(t, "high", all[1].Severity)
	assert.Equal(t, "low", all[0].Severity)

	high, err := store.ListEvents(ctx, scope, EventFilter{Severity: "HIGH"})
	require.NoError(t, err)
	assert.Len(t, high, 2)

	nodeOnly, err := store.ListEvents(ctx, scope, EventFilter{NodeID: "node-b"})
	require.NoError(t, err)
	require.Len(t, nodeOnly, 1)
	assert.Equal(t, "a-1", nodeOnly[0].ID)

	searched, err := store.ListEvents(ctx, scope, EventFilter{Search: "passwords"})
	require.NoError(t, err)
	require.Len(t, searched, 1)
	assert.Equal(t, "a-1", searched[0].ID, "search must cover the related decoy name")

	byAction, err := store.ListEvents(ctx, scope, EventFilter{Search: "file_read"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "a-1", byAction[0].ID, "search must cover the agent action")
	assert.Equal(t, "file_read", byAction[0].Action)

	limited, err := store.ListEvents(ctx, scope, EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "h-2", limited[0].ID)

	empty, err := store.ListEvents(ctx, nil, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, empty, "no scope means no rows, not all rows")
}

func TestUserStatsCountsAndAverages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateNode(ctx, &models.Node{ID: "node-a", UserID: "user-1", Status: models.NodeStatusActive}))
	require.NoError(t, store.CreateNode(ctx, &models.Node{ID: "node-b", UserID: "user-1", Status: models.NodeStatusInactive}))
	require.NoError(t, store.CreateNode(ctx, &models.Node{ID: "node-x", UserID: "user-2", Status: models.NodeStatusActive}))

	mk := func(id, source, status string, risk float64, offset time.Duration) *models.Alert {
		return &models.Alert{
			ID: id, UserID: "user-1", SourceIP: source, Status: status,
			RiskScore: risk, Timestamp: t0.Add(offset),
		}
	}
	require.NoError(t, store.CreateAlert(ctx, mk("al-1", "1.1.1.1", models.AlertStatusOpen, 9.0, 0)))
	require.NoError(t, store.CreateAlert(ctx, mk("al-2", "1.1.1.1", models.AlertStatusInvestigating, 7.5, time.Minute)))
	require.NoError(t, store.CreateAlert(ctx, mk("al-3", "2.2.2.2", models.AlertStatusResolved, 4.0, 2*time.Minute)))
	// Alert belonging to someone else stays out of every figure.
	require.NoError(t, store.CreateAlert(ctx, &models.Alert{ID: "al-x", UserID: "user-2", SourceIP: "9.9.9.9", Status: models.AlertStatusOpen, RiskScore: 10}))

	stats, err := store.UserStats(ctx, "user-1", 7)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalAttacks)
	assert.Equal(t, int64(2), stats.ActiveAlerts, "resolved alerts are not active")
	assert.Equal(t, int64(2), stats.UniqueAttackers)
	assert.Equal(t, int64(2), stats.HighRiskCount)
	assert.Equal(t, int64(2), stats.TotalNodes)
	assert.Equal(t, int64(1), stats.ActiveNodes)
	assert.InDelta(t, 6.8, stats.AvgRiskScore, 1e-9, "averages are rounded to one decimal")
	assert.InDelta(t, 6.8, stats.RecentRiskAverage, 1e-9)
}

func TestTouchNodeNeverMovesBackwards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, &models.Node{ID: "node-a", UserID: "user-1"}))

	later := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, store.TouchNode(ctx, "node-a", later))
	require.NoError(t, store.TouchNode(ctx, "node-a", earlier))

	n, err := store.GetNode(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, n.LastSeen)
	assert.True(t, n.LastSeen.Equal(later))

	assert.ErrorIs(t, store.TouchNode(ctx, "node-missing", later), ErrNotFound)
}

func TestDeleteNodeRemovesItsDecoys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, &models.Node{ID: "node-a", UserID: "user-1"}))
	require.NoError(t, store.RecordDecoyTrigger(ctx, "node-a", "bait.docx", models.DecoyKindFile, time.Now()))
	require.NoError(t, store.AppendHoneypotLog(ctx, &models.HoneypotLog{ID: "h-1", NodeID: "node-a", Timestamp: time.Now()}))

	require.NoError(t, store.DeleteNode(ctx, "node-a"))

	decoys, err := store.ListDecoysByNode(ctx, "node-a", "")
	require.NoError(t, err)
	assert.Empty(t, decoys)

	_, err = store.GetNode(ctx, "node-a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Raw events survive the node for audit, but a scoped feed excludes them
	// because the node id is no longer in any user's scope.
	events, err := store.ListEvents(ctx, []string{"node-a"}, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLimitClamps(t *testing.T) {
	assert.Equal(t, 100, ClampEventLimit(0))
	assert.Equal(t, 100, ClampEventLimit(-5))
	assert.Equal(t, 250, ClampEventLimit(250))
	assert.Equal(t, 1000, ClampEventLimit(5000))

	assert.Equal(t, 50, ClampDecoyLimit(0))
	assert.Equal(t, 1000, ClampDecoyLimit(99999))
}

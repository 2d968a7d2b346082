package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

type stubClassifier struct {
	verdict models.Classification
	got     []models.FeatureVector
}

func (s *stubClassifier) Classify(_ context.Context, f models.FeatureVector) models.Classification {
	s.got = append(s.got, f)
	return s.verdict
}

type capturePublisher struct {
	userIDs []string
	alerts  []*models.Alert
}

func (c *capturePublisher) PublishAlert(userID string, alert *models.Alert) {
	c.userIDs = append(c.userIDs, userID)
	c.alerts = append(c.alerts, alert)
}

func testNode() *models.Node {
	return &models.Node{ID: "node-1", UserID: "user-1", Name: "n1", Status: models.NodeStatusActive}
}

func honeypotInput() HoneypotLogInput {
	return HoneypotLogInput{
		Service:   "SSH",
		SourceIP:  "1.2.3.4",
		Activity:  "login_attempt",
		Payload:   "user=root pass=wrong",
		Timestamp: time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC),
	}
}

func agentInput() AgentEventInput {
	return AgentEventInput{
		Hostname:     "WORKSTATION-7",
		Username:     "jdoe",
		FileAccessed: "aws_keys.txt",
		FilePath:     `C:\Users\jdoe\Documents\aws_keys.txt`,
		Action:       "ACCESSED",
		Severity:     "CRITICAL",
		AlertType:    "honeytoken_triggered",
		Timestamp:    time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestHoneypotLogBelowThreshold(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "BruteForce", RiskScore: 3, Confidence: 0.6}}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))

	p := NewPipeline(store, clf, nil, 7)
	res, err := p.IngestHoneypotLog(context.Background(), node, honeypotInput())
	require.NoError(t, err)

	assert.NotEmpty(t, res.EventID)
	assert.False(t, res.AlertCreated)
	assert.Equal(t, "BruteForce", res.Verdict.AttackType)

	events, err := store.ListEvents(context.Background(), []string{"node-1"}, db.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.FeedKindHoneypotLog, events[0].Kind)

	alerts, err := store.ListAlerts(context.Background(), "user-1", db.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts, "risk below threshold must not materialise an alert")

	// Profiles accumulate on every event, not only on alertable ones.
	profile, err := store.GetAttackerProfile(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.TotalAttacks)
	assert.InDelta(t, 3.0, profile.AverageRiskScore, 1e-9)
	assert.Equal(t, int64(1), profile.ServicesTargeted["SSH"])

	n, err := store.GetNode(context.Background(), "node-1")
	require.NoError(t, err)
	assert.NotNil(t, n.LastSeen, "ingest must bump last-seen")

	// Derived features reached the classifier: no fail tokens, default rate.
	require.Len(t, clf.got, 1)
	assert.Equal(t, 0.0, clf.got[0].FailedLogins)
	assert.Equal(t, 1.0, clf.got[0].RequestRate)
	assert.Equal(t, 0.0, clf.got[0].HoneytokenAccess)
}

func TestHoneypotLogAboveThreshold(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "Injection", RiskScore: 8.2, Confidence: 0.92, IsAnomaly: true}}
	pub := &capturePublisher{}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))

	p := NewPipeline(store, clf, pub, 7)
	res, err := p.IngestHoneypotLog(context.Background(), node, honeypotInput())
	require.NoError(t, err)
	assert.True(t, res.AlertCreated)

	alerts, err := store.ListAlerts(context.Background(), "user-1", db.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.True(t, strings.HasPrefix(a.AlertID, "ALERT-"))
	assert.Equal(t, "1.2.3.4", a.SourceIP)
	assert.Equal(t, "user-1", a.UserID, "alert owner is denormalised from the node")
	assert.Equal(t, "high", a.Severity)
	assert.Equal(t, models.AlertStatusOpen, a.Status)

	require.Len(t, pub.alerts, 1)
	assert.Equal(t, "user-1", pub.userIDs[0])
	assert.Equal(t, a.AlertID, pub.alerts[0].AlertID)
}

func TestThresholdIsInclusive(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "BruteForce", RiskScore: 7, Confidence: 0.7}}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))

	p := NewPipeline(store, clf, nil, 7)
	res, err := p.IngestHoneypotLog(context.Background(), node, honeypotInput())
	require.NoError(t, err)
	assert.True(t, res.AlertCreated, "risk equal to the threshold must alert")
}

func TestAgentEventPipeline(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "DataExfil", RiskScore: 9, Confidence: 0.92, IsAnomaly: true}}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))

	p := NewPipeline(store, clf, nil, 7)
	res, err := p.IngestAgentEvent(context.Background(), node, agentInput())
	require.NoError(t, err)
	assert.True(t, res.AlertCreated)

	// Agent events carry the pinned honeytoken indicator vector.
	require.Len(t, clf.got, 1)
	assert.Equal(t, [6]float64{90, 550, 8, 0, 1, 300}, clf.got[0].Values())

	decoys, err := store.ListDecoysByNode(context.Background(), "node-1", "")
	require.NoError(t, err)
	require.Len(t, decoys, 1)
	assert.Equal(t, "aws_keys.txt", decoys[0].Name)
	assert.Equal(t, models.DecoyKindHoneytoken, decoys[0].Kind)
	assert.Equal(t, int64(1), decoys[0].TriggerCount)

	alerts, err := store.ListAlerts(context.Background(), "user-1", db.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.True(t, strings.HasPrefix(a.AlertID, "AGENT-"))
	assert.Equal(t, "WORKSTATION-7", a.SourceIP, "agent alerts use the hostname as source")
	assert.Equal(t, "endpoint_agent", a.Service)
	assert.Equal(t, "ACCESSED", a.Activity)
	assert.Equal(t, "aws_keys.txt", a.Payload)
	assert.Equal(t, "critical", a.Severity)

	profile, err := store.GetAttackerProfile(context.Background(), "WORKSTATION-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.ServicesTargeted["endpoint_agent"])
}

func TestRepeatedAgentEventsIncrementDecoy(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "DataExfil", RiskScore: 9, Confidence: 0.9}}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))

	p := NewPipeline(store, clf, nil, 7)
	for i := 0; i < 3; i++ {
		_, err := p.IngestAgentEvent(context.Background(), node, agentInput())
		require.NoError(t, err)
	}

	decoys, err := store.ListDecoysByNode(context.Background(), "node-1", "")
	require.NoError(t, err)
	require.Len(t, decoys, 1, "same decoy name must not create duplicates")
	assert.Equal(t, int64(3), decoys[0].TriggerCount)
}

func TestFallbackVerdictStillPersists(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "unknown", RiskScore: 0, Confidence: 0}}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))

	p := NewPipeline(store, clf, nil, 7)
	res, err := p.IngestHoneypotLog(context.Background(), node, honeypotInput())
	require.NoError(t, err, "classifier outage must not fail ingestion")
	assert.False(t, res.AlertCreated)
	assert.Equal(t, "unknown", res.Verdict.AttackType)

	events, err := store.ListEvents(context.Background(), []string{"node-1"}, db.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	profile, err := store.GetAttackerProfile(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.AttackTypes["unknown"])
}

func TestValidationRejectsOverLimitInput(t *testing.T) {
	store := db.NewMemoryStore()
	p := NewPipeline(store, &stubClassifier{}, nil, 7)
	node := testNode()

	cases := []struct {
		name   string
		mutate func(*HoneypotLogInput)
	}{
		{"service too long", func(in *HoneypotLogInput) { in.Service = strings.Repeat("x", 51) }},
		{"source too long", func(in *HoneypotLogInput) { in.SourceIP = strings.Repeat("x", 65) }},
		{"activity too long", func(in *HoneypotLogInput) { in.Activity = strings.Repeat("x", 101) }},
		{"payload too large", func(in *HoneypotLogInput) { in.Payload = strings.Repeat("x", 10*1024+1) }},
		{"extra too large", func(in *HoneypotLogInput) {
			in.Extra = map[string]any{"blob": strings.Repeat("x", 4*1024)}
		}},
		{"missing service", func(in *HoneypotLogInput) { in.Service = "" }},
		{"missing timestamp", func(in *HoneypotLogInput) { in.Timestamp = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := honeypotInput()
			tc.mutate(&in)
			_, err := p.IngestHoneypotLog(context.Background(), node, in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	// Nothing reached the store.
	events, err := store.ListEvents(context.Background(), []string{"node-1"}, db.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPayloadLimitBoundary(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "Normal", RiskScore: 1}}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))
	p := NewPipeline(store, clf, nil, 7)

	in := honeypotInput()
	in.Payload = strings.Repeat("x", 10*1024)
	_, err := p.IngestHoneypotLog(context.Background(), node, in)
	assert.NoError(t, err, "exactly 10 KiB is within the limit")

	in.Payload += "x"
	_, err = p.IngestHoneypotLog(context.Background(), node, in)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFieldLimitsCountRunesNotBytes(t *testing.T) {
	store := db.NewMemoryStore()
	clf := &stubClassifier{verdict: models.Classification{AttackType: "Normal", RiskScore: 1}}
	node := testNode()
	require.NoError(t, store.CreateNode(context.Background(), node))
	p := NewPipeline(store, clf, nil, 7)

	// 50 two-byte runes: within the 50-character service limit even though
	// it is 100 bytes long.
	in := honeypotInput()
	in.Service = strings.Repeat("é", 50)
	_, err := p.IngestHoneypotLog(context.Background(), node, in)
	assert.NoError(t, err, "multibyte names must be measured in characters")

	in.Service += "é"
	_, err = p.IngestHoneypotLog(context.Background(), node, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	ae := agentInput()
	ae.Hostname = strings.Repeat("ü", 255)
	_, err = p.IngestAgentEvent(context.Background(), node, ae)
	assert.NoError(t, err)

	ae.Hostname += "ü"
	_, err = p.IngestAgentEvent(context.Background(), node, ae)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAgentValidationRejectsUnknownSeverity(t *testing.T) {
	p := NewPipeline(db.NewMemoryStore(), &stubClassifier{}, nil, 7)

	in := agentInput()
	in.Severity = "catastrophic"
	_, err := p.IngestAgentEvent(context.Background(), testNode(), in)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

type flakyStore struct {
	db.Store
	failAppend bool
	failAlert  bool
}

func (f *flakyStore) AppendHoneypotLog(ctx context.Context, l *models.HoneypotLog) error {
	if f.failAppend {
		return errors.New("storage down")
	}
	return f.Store.AppendHoneypotLog(ctx, l)
}

func (f *flakyStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	if f.failAlert {
		return errors.New("storage down")
	}
	return f.Store.CreateAlert(ctx, a)
}

func TestRawPersistFailureFailsCall(t *testing.T) {
	store := &flakyStore{Store: db.NewMemoryStore(), failAppend: true}
	clf := &stubClassifier{verdict: models.Classification{AttackType: "BruteForce", RiskScore: 3}}

	p := NewPipeline(store, clf, nil, 7)
	_, err := p.IngestHoneypotLog(context.Background(), testNode(), honeypotInput())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInput)
}

func TestAlertFailureIsBestEffort(t *testing.T) {
	mem := db.NewMemoryStore()
	store := &flakyStore{Store: mem, failAlert: true}
	clf := &stubClassifier{verdict: models.Classification{AttackType: "Injection", RiskScore: 9, Confidence: 0.9}}
	node := testNode()
	require.NoError(t, mem.CreateNode(context.Background(), node))

	p := NewPipeline(store, clf, nil, 7)
	res, err := p.IngestHoneypotLog(context.Background(), node, honeypotInput())
	require.NoError(t, err, "alert write failure must not fail the ingest call")
	assert.False(t, res.AlertCreated)

	// The raw event is durable even though the alert never landed.
	events, listErr := mem.ListEvents(context.Background(), []string{"node-1"}, db.EventFilter{})
	require.NoError(t, listErr)
	assert.Len(t, events, 1)
}

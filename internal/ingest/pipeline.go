// Package ingest implements the shared event pipeline behind both ingest
// endpoints: feature derivation, classification, raw persistence, decoy
// bookkeeping, alert materialisation, attacker profiling and node
// housekeeping, in that order.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

// ErrInvalidInput covers every pre-pipeline rejection: missing fields,
// over-limit fields, unknown severities. Wrapped errors carry the detail.
var ErrInvalidInput = errors.New("ingest: invalid input")

const (
	maxServiceLen   = 50
	maxSourceIDLen  = 64
	maxActivityLen  = 100
	maxPayloadBytes = 10 * 1024
	maxExtraBytes   = 4 * 1024
	maxHostnameLen  = 255
	maxUsernameLen  = 100
	maxFileNameLen  = 255
	maxFilePathLen  = 1024
	maxActionLen    = 50
	maxAlertTypeLen = 100
)

// Classifier is the scoring dependency. The production implementation never
// returns an error; outages surface as the fallback verdict.
type Classifier interface {
	Classify(ctx context.Context, features models.FeatureVector) models.Classification
}

// AlertPublisher pushes freshly materialised alerts to live subscribers.
type AlertPublisher interface {
	PublishAlert(userID string, alert *models.Alert)
}

// HoneypotLogInput is a validated-on-entry honeypot observation.
type HoneypotLogInput struct {
	Service   string
	SourceIP  string
	Activity  string
	Payload   string
	Extra     map[string]any
	Timestamp time.Time
}

// AgentEventInput is a validated-on-entry endpoint agent observation,
// typically a honeytoken access.
type AgentEventInput struct {
	Hostname     string
	Username     string
	FileAccessed string
	FilePath     string
	Action       string
	Severity     string
	AlertType    string
	Timestamp    time.Time
}

// Result is what an ingest call reports back to the agent.
type Result struct {
	EventID      string
	Verdict      models.Classification
	AlertCreated bool
}

type Pipeline struct {
	store      db.Store
	classifier Classifier
	publisher  AlertPublisher // optional
	threshold  float64
}

func NewPipeline(store db.Store, classifier Classifier, publisher AlertPublisher, threshold float64) *Pipeline {
	return &Pipeline{
		store:      store,
		classifier: classifier,
		publisher:  publisher,
		threshold:  threshold,
	}
}

// IngestHoneypotLog runs the pipeline for a honeypot service observation.
// Only raw-event persistence can fail the call; the enrichment writes are
// best-effort and logged.
func (p *Pipeline) IngestHoneypotLog(ctx context.Context, node *models.Node, in HoneypotLogInput) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	features := HoneypotFeatures(in.Service, in.Activity, in.Payload, in.Extra)
	verdict := p.classifier.Classify(ctx, features)
	log.Printf("[Ingest] honeypot log from %s via %s: %s (risk %.1f/10)",
		in.SourceIP, in.Service, verdict.AttackType, verdict.RiskScore)

	entry := &models.HoneypotLog{
		ID:             uuid.NewString(),
		NodeID:         node.ID,
		Service:        in.Service,
		SourceIP:       in.SourceIP,
		Activity:       in.Activity,
		Payload:        in.Payload,
		Extra:          in.Extra,
		Timestamp:      in.Timestamp,
		Classification: verdict,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.AppendHoneypotLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("ingest: persist honeypot log: %w", err)
	}

	alertCreated := p.maybeAlert(ctx, node, alertSeed{
		label:     alertLabel("ALERT", in.SourceIP),
		timestamp: in.Timestamp,
		sourceIP:  in.SourceIP,
		service:   in.Service,
		activity:  in.Activity,
		payload:   in.Payload,
	}, verdict)

	p.updateProfile(ctx, db.ProfileUpdate{
		SourceIP:   in.SourceIP,
		AttackType: verdict.AttackType,
		Service:    in.Service,
		RiskScore:  verdict.RiskScore,
		SeenAt:     in.Timestamp,
	})
	p.touchNode(ctx, node.ID)

	return &Result{EventID: entry.ID, Verdict: verdict, AlertCreated: alertCreated}, nil
}

// IngestAgentEvent runs the pipeline for an endpoint agent event. The source
// identifier for alerting and profiling is the host name, and the touched
// decoy gets its trigger counter bumped.
func (p *Pipeline) IngestAgentEvent(ctx context.Context, node *models.Node, in AgentEventInput) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	verdict := p.classifier.Classify(ctx, AgentFeatures())
	log.Printf("[Ingest] agent event from %s (%s on %s): %s (risk %.1f/10)",
		in.Hostname, in.Action, in.FileAccessed, verdict.AttackType, verdict.RiskScore)

	event := &models.AgentEvent{
		ID:             uuid.NewString(),
		NodeID:         node.ID,
		Hostname:       in.Hostname,
		Username:       in.Username,
		FileAccessed:   in.FileAccessed,
		FilePath:       in.FilePath,
		Action:         in.Action,
		Severity:       strings.ToLower(in.Severity),
		AlertType:      in.AlertType,
		Timestamp:      in.Timestamp,
		Classification: verdict,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.AppendAgentEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("ingest: persist agent event: %w", err)
	}

	if err := p.store.RecordDecoyTrigger(ctx, node.ID, in.FileAccessed, models.DecoyKindHoneytoken, in.Timestamp); err != nil {
		log.Printf("[Ingest] decoy bookkeeping failed for %s/%s: %v", node.ID, in.FileAccessed, err)
	}

	alertCreated := p.maybeAlert(ctx, node, alertSeed{
		label:     alertLabel("AGENT", in.Hostname),
		timestamp: in.Timestamp,
		sourceIP:  in.Hostname,
		service:   "endpoint_agent",
		activity:  in.Action,
		payload:   in.FileAccessed,
	}, verdict)

	p.updateProfile(ctx, db.ProfileUpdate{
		SourceIP:   in.Hostname,
		AttackType: verdict.AttackType,
		Service:    "endpoint_agent",
		RiskScore:  verdict.RiskScore,
		SeenAt:     in.Timestamp,
	})
	p.touchNode(ctx, node.ID)

	return &Result{EventID: event.ID, Verdict: verdict, AlertCreated: alertCreated}, nil
}

// ───────────────────────── Pipeline steps ─────────────────────────

type alertSeed struct {
	label     string
	timestamp time.Time
	sourceIP  string
	service   string
	activity  string
	payload   string
}

func (p *Pipeline) maybeAlert(ctx context.Context, node *models.Node, seed alertSeed, verdict models.Classification) bool {
	if verdict.RiskScore < p.threshold {
		return false
	}

	alert := &models.Alert{
		ID:         uuid.NewString(),
		AlertID:    seed.label,
		Timestamp:  seed.timestamp,
		SourceIP:   seed.sourceIP,
		Service:    seed.service,
		Activity:   seed.activity,
		AttackType: verdict.AttackType,
		RiskScore:  verdict.RiskScore,
		Confidence: verdict.Confidence,
		Severity:   models.SeverityForRisk(verdict.RiskScore),
		Payload:    seed.payload,
		NodeID:     node.ID,
		UserID:     node.UserID,
		Status:     models.AlertStatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.CreateAlert(ctx, alert); err != nil {
		log.Printf("[Ingest] alert materialisation failed for %s: %v", seed.label, err)
		return false
	}

	log.Printf("[Ingest] 🚨 %s: %s from %s (risk %.1f, severity %s)",
		alert.AlertID, alert.AttackType, alert.SourceIP, alert.RiskScore, alert.Severity)
	if p.publisher != nil {
		p.publisher.PublishAlert(node.UserID, alert)
	}
	return true
}

func (p *Pipeline) updateProfile(ctx context.Context, update db.ProfileUpdate) {
	if err := p.store.UpsertAttackerProfile(ctx, update); err != nil {
		log.Printf("[Ingest] profile update failed for %s: %v", update.SourceIP, err)
	}
}

func (p *Pipeline) touchNode(ctx context.Context, nodeID string) {
	if err := p.store.TouchNode(ctx, nodeID, time.Now().UTC()); err != nil {
		log.Printf("[Ingest] last-seen bump failed for %s: %v", nodeID, err)
	}
}

// alertLabel builds the human-readable alert identifier, e.g.
// ALERT-20260204100000-1.2.3.4. The source part is truncated to 8 chars.
func alertLabel(prefix, source string) string {
	if utf8.RuneCountInString(source) > 8 {
		source = string([]rune(source)[:8])
	}
	return fmt.Sprintf("%s-%s-%s", prefix, time.Now().UTC().Format("20060102150405"), source)
}

// ───────────────────────── Input validation ─────────────────────────

func (in HoneypotLogInput) validate() error {
	switch {
	case in.Service == "":
		return fmt.Errorf("%w: service is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.Service) > maxServiceLen:
		return fmt.Errorf("%w: service exceeds %d characters", ErrInvalidInput, maxServiceLen)
	case in.SourceIP == "":
		return fmt.Errorf("%w: source_ip is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.SourceIP) > maxSourceIDLen:
		return fmt.Errorf("%w: source_ip exceeds %d characters", ErrInvalidInput, maxSourceIDLen)
	case in.Activity == "":
		return fmt.Errorf("%w: activity is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.Activity) > maxActivityLen:
		return fmt.Errorf("%w: activity exceeds %d characters", ErrInvalidInput, maxActivityLen)
	case len(in.Payload) > maxPayloadBytes:
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidInput, maxPayloadBytes)
	case in.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}
	if len(in.Extra) > 0 {
		encoded, err := json.Marshal(in.Extra)
		if err != nil {
			return fmt.Errorf("%w: extra is not serialisable", ErrInvalidInput)
		}
		if len(encoded) > maxExtraBytes {
			return fmt.Errorf("%w: extra exceeds %d bytes", ErrInvalidInput, maxExtraBytes)
		}
	}
	return nil
}

func (in AgentEventInput) validate() error {
	switch {
	case in.Hostname == "":
		return fmt.Errorf("%w: hostname is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.Hostname) > maxHostnameLen:
		return fmt.Errorf("%w: hostname exceeds %d characters", ErrInvalidInput, maxHostnameLen)
	case in.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.Username) > maxUsernameLen:
		return fmt.Errorf("%w: username exceeds %d characters", ErrInvalidInput, maxUsernameLen)
	case in.FileAccessed == "":
		return fmt.Errorf("%w: file_accessed is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.FileAccessed) > maxFileNameLen:
		return fmt.Errorf("%w: file_accessed exceeds %d characters", ErrInvalidInput, maxFileNameLen)
	case utf8.RuneCountInString(in.FilePath) > maxFilePathLen:
		return fmt.Errorf("%w: file_path exceeds %d characters", ErrInvalidInput, maxFilePathLen)
	case in.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.Action) > maxActionLen:
		return fmt.Errorf("%w: action exceeds %d characters", ErrInvalidInput, maxActionLen)
	case utf8.RuneCountInString(in.AlertType) > maxAlertTypeLen:
		return fmt.Errorf("%w: alert_type exceeds %d characters", ErrInvalidInput, maxAlertTypeLen)
	case in.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}
	switch strings.ToLower(in.Severity) {
	case "low", "medium", "high", "critical":
		return nil
	default:
		return fmt.Errorf("%w: severity must be low, medium, high or critical", ErrInvalidInput)
	}
}

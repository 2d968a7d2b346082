package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not ship internal/db/schema.sql.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// Connect initializes the connection pool and applies the embedded schema.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("db: unable to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping failed: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.InitSchema(); err != nil {
		pool.Close()
		return nil, err
	}

	log.Println("[Store] Connected to PostgreSQL")
	return store, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("db: schema init failed: %w", err)
	}
	log.Println("[Store] Telemetry schema initialized")
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// translateErr maps driver errors onto the store's sentinel errors.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// ───────────────────────── Users ─────────────────────────

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	sql := `INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, sql, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	return translateErr(err)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	sql := `SELECT id, email, password_hash, created_at FROM users WHERE LOWER(email) = LOWER($1)`
	var u models.User
	err := s.pool.QueryRow(ctx, sql, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	sql := `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	var u models.User
	err := s.pool.QueryRow(ctx, sql, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

// ───────────────────────── Nodes ─────────────────────────

func (s *PostgresStore) CreateNode(ctx context.Context, node *models.Node) error {
	sql := `
		INSERT INTO nodes (id, user_id, name, status, os_type, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, sql, node.ID, node.UserID, node.Name, node.Status, node.OSType, node.KeyHash, node.CreatedAt)
	return translateErr(err)
}

const nodeColumns = `id, user_id, name, status, os_type, hostname, agent_os, key_hash, last_seen, created_at`

func scanNode(row pgx.Row) (*models.Node, error) {
	var n models.Node
	err := row.Scan(&n.ID, &n.UserID, &n.Name, &n.Status, &n.OSType, &n.Hostname, &n.AgentOS, &n.KeyHash, &n.LastSeen, &n.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &n, nil
}

func (s *PostgresStore) ListNodesByUser(ctx context.Context, userID string) ([]models.Node, error) {
	sql := `SELECT ` + nodeColumns + ` FROM nodes WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]models.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*models.Node, error) {
	sql := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	return scanNode(s.pool.QueryRow(ctx, sql, nodeID))
}

func (s *PostgresStore) UpdateNodeStatus(ctx context.Context, nodeID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE nodes SET status = $2 WHERE id = $1`, nodeID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateNodeKey(ctx context.Context, nodeID, keyHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE nodes SET key_hash = $2 WHERE id = $1`, nodeID, keyHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RegisterAgent(ctx context.Context, nodeID, hostname, agentOS string, seenAt time.Time) error {
	sql := `
		UPDATE nodes
		SET status = 'active', hostname = $2, agent_os = $3, last_seen = $4
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, sql, nodeID, hostname, agentOS, seenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error {
	// GREATEST keeps last_seen monotone under concurrent ingest.
	sql := `UPDATE nodes SET last_seen = GREATEST(COALESCE(last_seen, $2), $2) WHERE id = $1`
	tag, err := s.pool.Exec(ctx, sql, nodeID, seenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM decoys WHERE node_id = $1`, nodeID); err != nil {
		return err
	}
	// Events and alerts stay for audit; scoped queries filter by the live
	// node set and by alert.user_id, so a deleted node never resurfaces.
	tag, err := tx.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// ───────────────────────── Decoys ─────────────────────────

func (s *PostgresStore) RecordDecoyTrigger(ctx context.Context, nodeID, name, kind string, triggeredAt time.Time) error {
	sql := `
		INSERT INTO decoys (id, node_id, name, kind, status, trigger_count, last_triggered, created_at)
		VALUES ($1, $2, $3, $4, 'active', 1, $5, NOW())
		ON CONFLICT (node_id, name) DO UPDATE
		SET trigger_count = decoys.trigger_count + 1,
		    last_triggered = GREATEST(COALESCE(decoys.last_triggered, EXCLUDED.last_triggered), EXCLUDED.last_triggered)
	`
	_, err := s.pool.Exec(ctx, sql, newRowID(), nodeID, name, kind, triggeredAt)
	return err
}

func (s *PostgresStore) RegisterDecoy(ctx context.Context, decoy *models.Decoy) (bool, error) {
	sql := `
		INSERT INTO decoys (id, node_id, name, file_path, kind, status, port, trigger_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW())
		ON CONFLICT (node_id, name) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, sql,
		decoy.ID, decoy.NodeID, decoy.Name, decoy.FilePath, decoy.Kind, decoy.Status, decoy.Port)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const decoyColumns = `id, node_id, name, file_path, kind, status, port, trigger_count, last_triggered, created_at`

func scanDecoy(row pgx.Row) (*models.Decoy, error) {
	var d models.Decoy
	err := row.Scan(&d.ID, &d.NodeID, &d.Name, &d.FilePath, &d.Kind, &d.Status, &d.Port, &d.TriggerCount, &d.LastTriggered, &d.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &d, nil
}

func (s *PostgresStore) ListDecoysByNode(ctx context.Context, nodeID string, kind string) ([]models.Decoy, error) {
	sql := `
		SELECT ` + decoyColumns + `
		FROM decoys
		WHERE node_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, sql, nodeID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDecoys(rows)
}

func (s *PostgresStore) ListDecoysByNodes(ctx context.Context, nodeIDs []string, kind string, limit int) ([]models.Decoy, error) {
	limit = ClampDecoyLimit(limit)
	if len(nodeIDs) == 0 {
		return []models.Decoy{}, nil
	}
	sql := `
		SELECT ` + decoyColumns + `
		FROM decoys
		WHERE node_id = ANY($1) AND ($2 = '' OR kind = $2)
		ORDER BY last_triggered DESC NULLS LAST, created_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, sql, nodeIDs, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDecoys(rows)
}

func collectDecoys(rows pgx.Rows) ([]models.Decoy, error) {
	decoys := make([]models.Decoy, 0)
	for rows.Next() {
		d, err := scanDecoy(rows)
		if err != nil {
			return nil, err
		}
		decoys = append(decoys, *d)
	}
	return decoys, rows.Err()
}

func (s *PostgresStore) GetDecoy(ctx context.Context, id string) (*models.Decoy, error) {
	sql := `SELECT ` + decoyColumns + ` FROM decoys WHERE id = $1`
	return scanDecoy(s.pool.QueryRow(ctx, sql, id))
}

func (s *PostgresStore) UpdateDecoyStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE decoys SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDecoy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM decoys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ───────────────────────── Raw events ─────────────────────────

func (s *PostgresStore) AppendHoneypotLog(ctx context.Context, logEntry *models.HoneypotLog) error {
	var extra []byte
	if len(logEntry.Extra) > 0 {
		var err error
		extra, err = json.Marshal(logEntry.Extra)
		if err != nil {
			return fmt.Errorf("db: marshal extra: %w", err)
		}
	}
	sql := `
		INSERT INTO honeypot_logs
			(id, node_id, service, source_ip, activity, payload, extra,
			 attack_type, risk_score, confidence, is_anomaly, event_ts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, sql,
		logEntry.ID, logEntry.NodeID, logEntry.Service, logEntry.SourceIP, logEntry.Activity,
		logEntry.Payload, extra,
		logEntry.Classification.AttackType, logEntry.Classification.RiskScore,
		logEntry.Classification.Confidence, logEntry.Classification.IsAnomaly,
		logEntry.Timestamp, logEntry.CreatedAt)
	return translateErr(err)
}

func (s *PostgresStore) AppendAgentEvent(ctx context.Context, event *models.AgentEvent) error {
	sql := `
		INSERT INTO agent_events
			(id, node_id, hostname, username, file_accessed, file_path, action, severity, alert_type,
			 attack_type, risk_score, confidence, is_anomaly, event_ts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.pool.Exec(ctx, sql,
		event.ID, event.NodeID, event.Hostname, event.Username, event.FileAccessed, event.FilePath,
		event.Action, event.Severity, event.AlertType,
		event.Classification.AttackType, event.Classification.RiskScore,
		event.Classification.Confidence, event.Classification.IsAnomaly,
		event.Timestamp, event.CreatedAt)
	return translateErr(err)
}

// ListEvents merges both event tables into one chronologically descending
// feed. Honeypot severity is derived from the risk score; agent events carry
// the severity the agent reported.
func (s *PostgresStore) ListEvents(ctx context.Context, nodeIDs []string, filter EventFilter) ([]models.FeedEvent, error) {
	limit := ClampEventLimit(filter.Limit)
	if len(nodeIDs) == 0 {
		return []models.FeedEvent{}, nil
	}

	sql := `
		SELECT id, kind, node_id, event_ts, source_id, event_type, action, severity, related_decoy, attack_type, risk_score
		FROM (
			SELECT id, 'honeypot_log' AS kind, node_id, event_ts, source_ip AS source_id,
			       activity AS event_type, '' AS action,
			       CASE WHEN risk_score >= 9 THEN 'critical'
			            WHEN risk_score >= 7 THEN 'high'
			            WHEN risk_score >= 4 THEN 'medium'
			            ELSE 'low' END AS severity,
			       '' AS related_decoy, attack_type, risk_score
			FROM honeypot_logs
			WHERE node_id = ANY($1)
			UNION ALL
			SELECT id, 'agent_event', node_id, event_ts, hostname,
			       alert_type, action, LOWER(severity), file_accessed, attack_type, risk_score
			FROM agent_events
			WHERE node_id = ANY($1)
		) feed
		WHERE ($2 = '' OR node_id = $2)
		  AND ($3 = '' OR severity = LOWER($3))
		  AND ($4 = '' OR source_id ILIKE '%' || $4 || '%'
		               OR event_type ILIKE '%' || $4 || '%'
		               OR action ILIKE '%' || $4 || '%'
		               OR kind ILIKE '%' || $4 || '%'
		               OR related_decoy ILIKE '%' || $4 || '%')
		ORDER BY event_ts DESC
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, sql, nodeIDs, filter.NodeID, filter.Severity, filter.Search, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.FeedEvent, 0)
	for rows.Next() {
		var e models.FeedEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.NodeID, &e.Timestamp, &e.SourceID,
			&e.EventType, &e.Action, &e.Severity, &e.RelatedDecoy, &e.AttackType, &e.RiskScore); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ───────────────────────── Alerts ─────────────────────────

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	sql := `
		INSERT INTO alerts
			(id, alert_label, event_ts, source_ip, service, activity, attack_type,
			 risk_score, confidence, severity, payload, node_id, user_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.pool.Exec(ctx, sql,
		alert.ID, alert.AlertID, alert.Timestamp, alert.SourceIP, alert.Service, alert.Activity,
		alert.AttackType, alert.RiskScore, alert.Confidence, alert.Severity, alert.Payload,
		alert.NodeID, alert.UserID, alert.Status, alert.CreatedAt)
	return translateErr(err)
}

const alertColumns = `id, alert_label, event_ts, source_ip, service, activity, attack_type,
	risk_score, confidence, severity, payload, node_id, user_id, status, created_at`

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(&a.ID, &a.AlertID, &a.Timestamp, &a.SourceIP, &a.Service, &a.Activity,
		&a.AttackType, &a.RiskScore, &a.Confidence, &a.Severity, &a.Payload,
		&a.NodeID, &a.UserID, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, userID string, filter AlertFilter) ([]models.Alert, error) {
	limit := ClampEventLimit(filter.Limit)
	sql := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = $1
		  AND ($2 = '' OR severity = LOWER($2))
		  AND ($3 = '' OR status = LOWER($3))
		ORDER BY event_ts DESC
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, sql, userID, filter.Severity, filter.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	sql := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	return scanAlert(s.pool.QueryRow(ctx, sql, id))
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ───────────────────────── Attacker profiles ─────────────────────────

// UpsertAttackerProfile folds one observation into the per-source aggregate.
// The ON CONFLICT row lock serialises concurrent updates for the same source;
// the most-common recompute runs inside the same transaction, so it always
// sees the counters it just incremented.
func (s *PostgresStore) UpsertAttackerProfile(ctx context.Context, update ProfileUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsertSQL := `
		INSERT INTO attacker_profiles
			(source_ip, total_attacks, most_common_attack, average_risk_score,
			 attack_types, services_targeted, first_seen, last_seen)
		VALUES ($1, 1, $2, $3, jsonb_build_object($2, 1), jsonb_build_object($4, 1), $5, $5)
		ON CONFLICT (source_ip) DO UPDATE SET
			total_attacks      = attacker_profiles.total_attacks + 1,
			average_risk_score = (attacker_profiles.average_risk_score * attacker_profiles.total_attacks + $3)
			                     / (attacker_profiles.total_attacks + 1),
			attack_types       = jsonb_set(attacker_profiles.attack_types, ARRAY[$2],
			                       to_jsonb(COALESCE((attacker_profiles.attack_types ->> $2)::bigint, 0) + 1)),
			services_targeted  = jsonb_set(attacker_profiles.services_targeted, ARRAY[$4],
			                       to_jsonb(COALESCE((attacker_profiles.services_targeted ->> $4)::bigint, 0) + 1)),
			first_seen         = LEAST(attacker_profiles.first_seen, $5),
			last_seen          = GREATEST(attacker_profiles.last_seen, $5)
	`
	if _, err := tx.Exec(ctx, upsertSQL,
		update.SourceIP, update.AttackType, update.RiskScore, update.Service, update.SeenAt); err != nil {
		return err
	}

	// Argmax over the histogram, ties broken by lexical order.
	recomputeSQL := `
		UPDATE attacker_profiles
		SET most_common_attack = (
			SELECT kv.key
			FROM jsonb_each_text(attack_types) AS kv(key, value)
			ORDER BY kv.value::bigint DESC, kv.key ASC
			LIMIT 1
		)
		WHERE source_ip = $1
	`
	if _, err := tx.Exec(ctx, recomputeSQL, update.SourceIP); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAttackerProfile(ctx context.Context, sourceIP string) (*models.AttackerProfile, error) {
	sql := `
		SELECT source_ip, total_attacks, most_common_attack, average_risk_score,
		       attack_types, services_targeted, first_seen, last_seen
		FROM attacker_profiles
		WHERE source_ip = $1
	`
	var p models.AttackerProfile
	var attackTypes, services []byte
	err := s.pool.QueryRow(ctx, sql, sourceIP).Scan(
		&p.SourceIP, &p.TotalAttacks, &p.MostCommonAttack, &p.AverageRiskScore,
		&attackTypes, &services, &p.FirstSeen, &p.LastSeen)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := json.Unmarshal(attackTypes, &p.AttackTypes); err != nil {
		return nil, fmt.Errorf("db: decode attack_types: %w", err)
	}
	if err := json.Unmarshal(services, &p.ServicesTargeted); err != nil {
		return nil, fmt.Errorf("db: decode services_targeted: %w", err)
	}
	return &p, nil
}

// ───────────────────────── Aggregations ─────────────────────────

// UserStats runs the per-scope dashboard aggregates concurrently; any single
// query failure fails the whole call (queries either all succeed or the
// dashboard gets an error, never partial numbers).
func (s *PostgresStore) UserStats(ctx context.Context, userID string, highRiskThreshold float64) (*models.Stats, error) {
	stats := &models.Stats{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sql := `
			SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'active')
			FROM nodes WHERE user_id = $1
		`
		return s.pool.QueryRow(gctx, sql, userID).Scan(&stats.TotalNodes, &stats.ActiveNodes)
	})

	g.Go(func() error {
		sql := `
			SELECT COUNT(*),
			       COUNT(*) FILTER (WHERE status IN ('open', 'investigating')),
			       COUNT(DISTINCT source_ip),
			       COALESCE(AVG(risk_score), 0),
			       COUNT(*) FILTER (WHERE risk_score >= $2)
			FROM alerts WHERE user_id = $1
		`
		var avg float64
		if err := s.pool.QueryRow(gctx, sql, userID, highRiskThreshold).Scan(
			&stats.TotalAttacks, &stats.ActiveAlerts, &stats.UniqueAttackers, &avg, &stats.HighRiskCount); err != nil {
			return err
		}
		stats.AvgRiskScore = roundTenth(avg)
		return nil
	})

	g.Go(func() error {
		sql := `
			SELECT COALESCE(AVG(risk_score), 0) FROM (
				SELECT risk_score FROM alerts WHERE user_id = $1
				ORDER BY event_ts DESC LIMIT 10
			) recent
		`
		var avg float64
		if err := s.pool.QueryRow(gctx, sql, userID).Scan(&avg); err != nil {
			return err
		}
		stats.RecentRiskAverage = roundTenth(avg)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

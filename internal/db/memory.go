package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

// MemoryStore is a map-backed Store used by tests and by local development
// without a database. Semantics mirror PostgresStore exactly, including
// conflict detection and limit clamps.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*models.User // by id
	emailIndex   map[string]string       // lower(email) -> user id
	nodes        map[string]*models.Node
	decoys       map[string]*models.Decoy
	decoyIndex   map[string]string // nodeID + "\x00" + name -> decoy id
	honeypotLogs []models.HoneypotLog
	agentEvents  []models.AgentEvent
	alerts       map[string]*models.Alert
	profiles     map[string]*models.AttackerProfile
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*models.User),
		emailIndex: make(map[string]string),
		nodes:      make(map[string]*models.Node),
		decoys:     make(map[string]*models.Decoy),
		decoyIndex: make(map[string]string),
		alerts:     make(map[string]*models.Alert),
		profiles:   make(map[string]*models.AttackerProfile),
	}
}

func decoyKey(nodeID, name string) string {
	return nodeID + "\x00" + name
}

// ───────────────────────── Users ─────────────────────────

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(user.Email)
	if _, exists := s.emailIndex[key]; exists {
		return ErrConflict
	}
	cp := *user
	s.users[user.ID] = &cp
	s.emailIndex[key] = user.ID
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emailIndex[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// ───────────────────────── Nodes ─────────────────────────

func (s *MemoryStore) CreateNode(_ context.Context, node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return ErrConflict
	}
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryStore) ListNodesByUser(_ context.Context, userID string) ([]models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]models.Node, 0)
	for _, n := range s.nodes {
		if n.UserID == userID {
			nodes = append(nodes, *n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].CreatedAt.After(nodes[j].CreatedAt)
	})
	return nodes, nil
}

func (s *MemoryStore) GetNode(_ context.Context, nodeID string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) UpdateNodeStatus(_ context.Context, nodeID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	return nil
}

func (s *MemoryStore) UpdateNodeKey(_ context.Context, nodeID, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	n.KeyHash = keyHash
	return nil
}

func (s *MemoryStore) RegisterAgent(_ context.Context, nodeID, hostname, agentOS string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	n.Status = models.NodeStatusActive
	n.Hostname = hostname
	n.AgentOS = agentOS
	t := seenAt
	n.LastSeen = &t
	return nil
}

func (s *MemoryStore) TouchNode(_ context.Context, nodeID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	if n.LastSeen == nil || seenAt.After(*n.LastSeen) {
		t := seenAt
		n.LastSeen = &t
	}
	return nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, nodeID)
	for id, d := range s.decoys {
		if d.NodeID == nodeID {
			delete(s.decoyIndex, decoyKey(d.NodeID, d.Name))
			delete(s.decoys, id)
		}
	}
	return nil
}

// ───────────────────────── Decoys ─────────────────────────

func (s *MemoryStore) RecordDecoyTrigger(_ context.Context, nodeID, name, kind string, triggeredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := decoyKey(nodeID, name)
	if id, ok := s.decoyIndex[key]; ok {
		d := s.decoys[id]
		d.TriggerCount++
		if d.LastTriggered == nil || triggeredAt.After(*d.LastTriggered) {
			t := triggeredAt
			d.LastTriggered = &t
		}
		return nil
	}

	t := triggeredAt
	d := &models.Decoy{
		ID:            newRowID(),
		NodeID:        nodeID,
		Name:          name,
		Kind:          kind,
		Status:        models.DecoyStatusActive,
		TriggerCount:  1,
		LastTriggered: &t,
		CreatedAt:     time.Now().UTC(),
	}
	s.decoys[d.ID] = d
	s.decoyIndex[key] = d.ID
	return nil
}

func (s *MemoryStore) RegisterDecoy(_ context.Context, decoy *models.Decoy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := decoyKey(decoy.NodeID, decoy.Name)
	if _, exists := s.decoyIndex[key]; exists {
		return false, nil
	}
	cp := *decoy
	cp.TriggerCount = 0
	cp.CreatedAt = time.Now().UTC()
	s.decoys[cp.ID] = &cp
	s.decoyIndex[key] = cp.ID
	return true, nil
}

func (s *MemoryStore) ListDecoysByNode(_ context.Context, nodeID string, kind string) ([]models.Decoy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decoys := make([]models.Decoy, 0)
	for _, d := range s.decoys {
		if d.NodeID == nodeID && (kind == "" || d.Kind == kind) {
			decoys = append(decoys, *d)
		}
	}
	sort.Slice(decoys, func(i, j int) bool {
		return decoys[i].CreatedAt.After(decoys[j].CreatedAt)
	})
	return decoys, nil
}

func (s *MemoryStore) ListDecoysByNodes(_ context.Context, nodeIDs []string, kind string, limit int) ([]models.Decoy, error) {
	limit = ClampDecoyLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	member := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		member[id] = true
	}

	decoys := make([]models.Decoy, 0)
	for _, d := range s.decoys {
		if member[d.NodeID] && (kind == "" || d.Kind == kind) {
			decoys = append(decoys, *d)
		}
	}
	// Last triggered first, never-triggered last, then newest created.
	sort.Slice(decoys, func(i, j int) bool {
		li, lj := decoys[i].LastTriggered, decoys[j].LastTriggered
		switch {
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.After(*lj)
		case li != nil && lj == nil:
			return true
		case li == nil && lj != nil:
			return false
		}
		return decoys[i].CreatedAt.After(decoys[j].CreatedAt)
	})
	if len(decoys) > limit {
		decoys = decoys[:limit]
	}
	return decoys, nil
}

func (s *MemoryStore) GetDecoy(_ context.Context, id string) (*models.Decoy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decoys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) UpdateDecoyStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.decoys[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	return nil
}

func (s *MemoryStore) DeleteDecoy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.decoys[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.decoyIndex, decoyKey(d.NodeID, d.Name))
	delete(s.decoys, id)
	return nil
}

// ───────────────────────── Raw events ─────────────────────────

func (s *MemoryStore) AppendHoneypotLog(_ context.Context, logEntry *models.HoneypotLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.honeypotLogs = append(s.honeypotLogs, *logEntry)
	return nil
}

func (s *MemoryStore) AppendAgentEvent(_ context.Context, event *models.AgentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentEvents = append(s.agentEvents, *event)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, nodeIDs []string, filter EventFilter) ([]models.FeedEvent, error) {
	limit := ClampEventLimit(filter.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	member := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		member[id] = true
	}

	events := make([]models.FeedEvent, 0)
	for i := range s.honeypotLogs {
		l := &s.honeypotLogs[i]
		if !member[l.NodeID] {
			continue
		}
		events = append(events, models.FeedEvent{
			ID:         l.ID,
			Kind:       models.FeedKindHoneypotLog,
			NodeID:     l.NodeID,
			Timestamp:  l.Timestamp,
			SourceID:   l.SourceIP,
			EventType:  l.Activity,
			Severity:   models.SeverityForRisk(l.Classification.RiskScore),
			AttackType: l.Classification.AttackType,
			RiskScore:  l.Classification.RiskScore,
		})
	}
	for i := range s.agentEvents {
		e := &s.agentEvents[i]
		if !member[e.NodeID] {
			continue
		}
		events = append(events, models.FeedEvent{
			ID:           e.ID,
			Kind:         models.FeedKindAgentEvent,
			NodeID:       e.NodeID,
			Timestamp:    e.Timestamp,
			SourceID:     e.Hostname,
			EventType:    e.AlertType,
			Action:       e.Action,
			Severity:     strings.ToLower(e.Severity),
			RelatedDecoy: e.FileAccessed,
			AttackType:   e.Classification.AttackType,
			RiskScore:    e.Classification.RiskScore,
		})
	}

	filtered := events[:0]
	for _, e := range events {
		if filter.NodeID != "" && e.NodeID != filter.NodeID {
			continue
		}
		if filter.Severity != "" && e.Severity != strings.ToLower(filter.Severity) {
			continue
		}
		if filter.Search != "" && !feedEventMatches(&e, filter.Search) {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func feedEventMatches(e *models.FeedEvent, search string) bool {
	needle := strings.ToLower(search)
	for _, hay := range []string{e.SourceID, e.EventType, e.Action, e.Kind, e.RelatedDecoy} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

// ───────────────────────── Alerts ─────────────────────────

func (s *MemoryStore) CreateAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[alert.ID]; exists {
		return ErrConflict
	}
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, userID string, filter AlertFilter) ([]models.Alert, error) {
	limit := ClampEventLimit(filter.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]models.Alert, 0)
	for _, a := range s.alerts {
		if a.UserID != userID {
			continue
		}
		if filter.Severity != "" && a.Severity != strings.ToLower(filter.Severity) {
			continue
		}
		if filter.Status != "" && a.Status != strings.ToLower(filter.Status) {
			continue
		}
		alerts = append(alerts, *a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpdateAlertStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// ───────────────────────── Attacker profiles ─────────────────────────

func (s *MemoryStore) UpsertAttackerProfile(_ context.Context, update ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[update.SourceIP]
	if !ok {
		p = &models.AttackerProfile{
			SourceIP:         update.SourceIP,
			AttackTypes:      make(map[string]int64),
			ServicesTargeted: make(map[string]int64),
			FirstSeen:        update.SeenAt,
			LastSeen:         update.SeenAt,
		}
		s.profiles[update.SourceIP] = p
	}

	prevTotal := p.TotalAttacks
	p.TotalAttacks = prevTotal + 1
	p.AverageRiskScore = (p.AverageRiskScore*float64(prevTotal) + update.RiskScore) / float64(p.TotalAttacks)
	p.AttackTypes[update.AttackType]++
	p.ServicesTargeted[update.Service]++
	if update.SeenAt.Before(p.FirstSeen) {
		p.FirstSeen = update.SeenAt
	}
	if update.SeenAt.After(p.LastSeen) {
		p.LastSeen = update.SeenAt
	}
	p.MostCommonAttack = argmaxCount(p.AttackTypes)
	return nil
}

// argmaxCount returns the histogram key with the highest count, lexically
// smallest key on ties.
func argmaxCount(counts map[string]int64) string {
	best := ""
	var bestCount int64 = -1
	for k, v := range counts {
		if v > bestCount || (v == bestCount && k < best) {
			best = k
			bestCount = v
		}
	}
	return best
}

func (s *MemoryStore) GetAttackerProfile(_ context.Context, sourceIP string) (*models.AttackerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[sourceIP]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.AttackTypes = make(map[string]int64, len(p.AttackTypes))
	for k, v := range p.AttackTypes {
		cp.AttackTypes[k] = v
	}
	cp.ServicesTargeted = make(map[string]int64, len(p.ServicesTargeted))
	for k, v := range p.ServicesTargeted {
		cp.ServicesTargeted[k] = v
	}
	return &cp, nil
}

// ───────────────────────── Aggregations ─────────────────────────

func (s *MemoryStore) UserStats(_ context.Context, userID string, highRiskThreshold float64) (*models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.Stats{}
	for _, n := range s.nodes {
		if n.UserID != userID {
			continue
		}
		stats.TotalNodes++
		if n.Status == models.NodeStatusActive {
			stats.ActiveNodes++
		}
	}

	sources := make(map[string]bool)
	var riskSum float64
	userAlerts := make([]*models.Alert, 0)
	for _, a := range s.alerts {
		if a.UserID != userID {
			continue
		}
		userAlerts = append(userAlerts, a)
		stats.TotalAttacks++
		if a.Status == models.AlertStatusOpen || a.Status == models.AlertStatusInvestigating {
			stats.ActiveAlerts++
		}
		sources[a.SourceIP] = true
		riskSum += a.RiskScore
		if a.RiskScore >= highRiskThreshold {
			stats.HighRiskCount++
		}
	}
	stats.UniqueAttackers = int64(len(sources))
	if stats.TotalAttacks > 0 {
		stats.AvgRiskScore = roundTenth(riskSum / float64(stats.TotalAttacks))
	}

	sort.Slice(userAlerts, func(i, j int) bool {
		return userAlerts[i].Timestamp.After(userAlerts[j].Timestamp)
	})
	recent := userAlerts
	if len(recent) > 10 {
		recent = recent[:10]
	}
	if len(recent) > 0 {
		var sum float64
		for _, a := range recent {
			sum += a.RiskScore
		}
		stats.RecentRiskAverage = roundTenth(sum / float64(len(recent)))
	}
	return stats, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() {}

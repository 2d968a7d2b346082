package ingest

import (
	"strconv"
	"strings"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

// failedLoginCap bounds the payload token heuristic so a crafted payload
// cannot skew the model input.
const failedLoginCap = 150

// HoneypotFeatures maps a honeypot log onto the six-feature model input.
// The mapping is fixed: changing it silently retrains the meaning of every
// stored risk score.
func HoneypotFeatures(service, activity, payload string, extra map[string]any) models.FeatureVector {
	lower := strings.ToLower(payload)

	failed := float64(strings.Count(lower, "fail") + strings.Count(lower, "invalid"))
	if failed > failedLoginCap {
		failed = failedLoginCap
	}

	commands := 0.0
	if activity == "command_exec" {
		commands = 1
	}

	sql := 0.0
	if containsSQLSentinel(lower) {
		sql = 1
	}

	return models.FeatureVector{
		FailedLogins:     failed,
		RequestRate:      numericExtra(extra, "request_rate", 1),
		CommandsCount:    commands,
		SQLPayload:       sql,
		HoneytokenAccess: 0,
		SessionTime:      numericExtra(extra, "session_time", 0),
	}
}

// AgentFeatures is the pinned vector for honeytoken access. Agent events are
// near-certain intrusions by construction, so the features are indicator
// constants rather than anything derived from the event.
func AgentFeatures() models.FeatureVector {
	return models.FeatureVector{
		FailedLogins:     90,
		RequestRate:      550,
		CommandsCount:    8,
		SQLPayload:       0,
		HoneytokenAccess: 1,
		SessionTime:      300,
	}
}

// containsSQLSentinel checks the payload (already lowercased) for injection
// markers: a quote, a comment dash pair, UNION, or a SELECT followed by FROM.
func containsSQLSentinel(lower string) bool {
	if strings.Contains(lower, "'") || strings.Contains(lower, "--") || strings.Contains(lower, "union") {
		return true
	}
	if i := strings.Index(lower, "select"); i >= 0 {
		return strings.Contains(lower[i+len("select"):], "from")
	}
	return false
}

// numericExtra reads an optional numeric hint from the caller's extra map.
// JSON numbers arrive as float64; strings are parsed for lenient agents.
func numericExtra(extra map[string]any, key string, fallback float64) float64 {
	v, ok := extra[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return fallback
}

package classifier

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const probeInterval = 30 * time.Second

// Monitor tracks whether the scoring service is reachable. Ingest never
// consults it (fallback handles outages per request); it feeds the health
// endpoint so operators can tell degraded scoring from a healthy pipeline.
type Monitor struct {
	healthURL  string
	httpClient *http.Client
	available  atomic.Bool
}

func NewMonitor(baseURL string) *Monitor {
	url := strings.TrimRight(baseURL, "/")
	url = strings.TrimSuffix(url, "/predict")
	return &Monitor{
		healthURL:  url + "/health",
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Available reports the result of the most recent probe.
func (m *Monitor) Available() bool {
	return m.available.Load()
}

// Run probes the health endpoint until the context is cancelled. Logs only
// on state transitions to keep the output readable during long outages.
func (m *Monitor) Run(ctx context.Context) {
	log.Println("Starting classifier health monitor...")
	m.probe(ctx)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping classifier health monitor...")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	up := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err == nil {
		resp, doErr := m.httpClient.Do(req)
		if doErr == nil {
			up = resp.StatusCode == http.StatusOK
			resp.Body.Close()
		}
	}

	if m.available.Swap(up) != up {
		if up {
			log.Printf("[Monitor] Classifier reachable at %s", m.healthURL)
		} else {
			log.Printf("[Monitor] Classifier unreachable at %s - ingest will use fallback verdicts", m.healthURL)
		}
	}
}

package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is handled by the CORS middleware; the upgrade itself is
	// gated by the bearer check in the route chain.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeDeadline = 5 * time.Second

// wsEnvelope is the push-channel frame: {"type": "alert"|"node_status", "data": ...}.
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsMessage struct {
	userID  string
	payload []byte
}

// Hub fans freshly materialised alerts and node status changes out to the
// owning user's connected dashboard clients. Delivery is fire-and-forget;
// the polling endpoints stay authoritative.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]string // conn -> owning user id
	broadcast chan wsMessage
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan wsMessage, 256),
	}
}

// Run drains the broadcast channel until it is closed. Slow or broken
// clients are dropped on write error rather than backing up the hub.
func (h *Hub) Run() {
	for msg := range h.broadcast {
		h.mu.Lock()
		for conn, userID := range h.clients {
			if userID != msg.userID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
				log.Printf("[Hub] write error, dropping client: %v", err)
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}

// PublishAlert pushes a materialised alert to the owning user's clients.
// Satisfies ingest.AlertPublisher.
func (h *Hub) PublishAlert(userID string, alert *models.Alert) {
	h.publish(userID, wsEnvelope{Type: "alert", Data: alert})
}

// PublishNodeStatus pushes a node status change (agent registration,
// owner toggles) to the owning user's clients.
func (h *Hub) PublishNodeStatus(userID string, node *models.Node) {
	h.publish(userID, wsEnvelope{Type: "node_status", Data: node})
}

func (h *Hub) publish(userID string, env wsEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Hub] marshal failed for %s frame: %v", env.Type, err)
		return
	}
	select {
	case h.broadcast <- wsMessage{userID: userID, payload: payload}:
	default:
		// Channel full: the dashboard can catch up by polling.
		log.Printf("[Hub] broadcast buffer full, dropping %s frame", env.Type)
	}
}

// handleAlertStream upgrades an authenticated dashboard request to a
// websocket subscribed to the caller's own alert feed.
func (h *APIHandler) handleAlertStream(c *gin.Context) {
	userID := scope(c).UserID

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}

	h.wsHub.mu.Lock()
	h.wsHub.clients[conn] = userID
	total := len(h.wsHub.clients)
	h.wsHub.mu.Unlock()
	log.Printf("[Hub] client connected for %s (total %d)", userID, total)

	// The feed is push-only, but we must keep reading to notice disconnects.
	go func() {
		defer func() {
			h.wsHub.mu.Lock()
			delete(h.wsHub.clients, conn)
			h.wsHub.mu.Unlock()
			conn.Close()
			log.Printf("[Hub] client disconnected for %s", userID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] read error: %v", err)
				}
				return
			}
		}
	}()
}

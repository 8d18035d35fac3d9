package hub

import (
	"encoding/json"
	"log"
	"sync"

	"swiftpost/queue-service/internal/store"
)

type Subscription struct {
	Category string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans queue events out to connected clients. It satisfies
// store.Notifier; delivery is best-effort, a slow client only loses its own
// messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	Category string `json:"category"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Notify(event store.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal event: %v", err)
		return
	}
	category := ""
	if event.Token != nil {
		category = event.Token.Category
	}
	h.broadcast(payload, category)
}

func (h *Hub) broadcast(payload []byte, category string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, category) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

// match accepts counter and stats events (empty category) for everyone;
// token events reach clients with no filter or a matching one.
func match(sub Subscription, category string) bool {
	if sub.Category == "" || category == "" {
		return true
	}
	return sub.Category == category
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"swiftpost/queue-service/internal/models"
)

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TokenID     string     `json:"token_id"`
	DisplayCode string     `json:"display_code"`
	Category    string     `json:"category"`
	Status      string     `json:"status"`
	CreatedAt   *time.Time `json:"created_at"`
	CalledAt    *time.Time `json:"called_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CounterID   *string    `json:"counter_id"`
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTokenEvents walks an event chain and reports the first sequence
// whose hash does not line up, or 0 when the chain is intact.
func VerifyTokenEvents(events []TokenEvent) int {
	prev := ""
	for _, event := range events {
		if event.PrevHash != prev {
			return event.TokenSeq
		}
		if ComputeTokenEventHash(prev, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq) != event.Hash {
			return event.TokenSeq
		}
		prev = event.Hash
	}
	return 0
}

// RehydrateToken folds an event chain back into the token it describes.
func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.TokenID != "" {
			token.TokenID = payload.TokenID
		}
		if payload.DisplayCode != "" {
			token.DisplayCode = payload.DisplayCode
		}
		if payload.Category != "" {
			token.Category = payload.Category
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			token.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			token.CalledAt = payload.CalledAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
		token.CounterID = payload.CounterID
	}
	return token, nil
}

package store

import (
	"context"
	"encoding/json"
	"time"

	"swiftpost/queue-service/internal/models"
)

type CreateTokenInput struct {
	Category  string
	CreatedAt time.Time
}

type AssignInput struct {
	DisplayCode string
	CounterID   string
	CalledAt    time.Time
}

type TokenStore interface {
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, error)
	GetToken(ctx context.Context, displayCode string) (models.Token, bool, error)
	NextPending(ctx context.Context) (models.Token, bool, error)
	AssignToCounter(ctx context.Context, input AssignInput) (models.Token, error)
	CompleteToken(ctx context.Context, displayCode string, completedAt time.Time) (models.Token, error)
	RegisterCounter(ctx context.Context, number int) (models.Counter, error)
	SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	ListAvailableCounters(ctx context.Context) ([]models.Counter, error)
	TryAutoAssign(ctx context.Context, counterID string) (models.Token, bool, error)
	GetStatistics(ctx context.Context) (QueueStats, error)
	GetHourlyActivity(ctx context.Context, day time.Time) ([]HourlyBucket, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	ListTokenEvents(ctx context.Context, displayCode string) ([]TokenEvent, error)
}

// QueueStats is the snapshot attached to every notification and served by
// the stats endpoint. Counts are computed from live state, never cached.
type QueueStats struct {
	Waiting           int            `json:"waiting"`
	Serving           int            `json:"serving"`
	CompletedToday    int            `json:"completed_today"`
	AvgWaitMinutes    float64        `json:"avg_wait_minutes"`
	AvgServiceMinutes float64        `json:"avg_service_minutes"`
	WaitingByCategory map[string]int `json:"waiting_by_category"`
}

type HourlyBucket struct {
	Hour      int `json:"hour"`
	Created   int `json:"created"`
	Completed int `json:"completed"`
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

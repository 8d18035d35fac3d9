package models

import "time"

type Token struct {
	TokenID       string     `json:"token_id"`
	DisplayCode   string     `json:"display_code"`
	Category      string     `json:"category"`
	Status        string     `json:"status"`
	QueuePosition int        `json:"queue_position,omitempty"`
	EstimatedWait int        `json:"estimated_wait_minutes"`
	CounterID     *string    `json:"counter_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
)

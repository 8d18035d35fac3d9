package models

type Counter struct {
	CounterID string `json:"counter_id"`
	Number    int    `json:"number"`
	Status    string `json:"status"`
}

const (
	CounterActive   = "active"
	CounterInactive = "inactive"
)

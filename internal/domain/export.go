package domain

import "time"

// ExportStatus tracks an asynchronous statement export. It lives in Redis
// until it expires.
type ExportStatus struct {
	Key      string    `json:"key"`
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	PlanID   string    `json:"plan_id"`
	Progress float64   `json:"progress"`
	FileURL  *string   `json:"file_url"`
	Error    *string   `json:"error,omitempty"`
	Created  time.Time `json:"created_at"`
}

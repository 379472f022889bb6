// Copyright 2025 James Ross
package jobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/paperatlas/enrichq/internal/stage"
)

// Status of a job. pending and processing are live; completed, failed and
// cancelled are absorbing.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every job status.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}
}

// Job priorities. Higher dispatches sooner.
const (
	PriorityLow      = 25
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100
)

// Job is one scheduled execution of one stage on one paper.
type Job struct {
	ID             int64          `json:"id"`
	Stage          stage.Stage    `json:"stage"`
	PaperID        string         `json:"paper_id"`
	BatchID        string         `json:"batch_id,omitempty"`
	Priority       int            `json:"priority"`
	Status         Status         `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	WorkerID       string         `json:"worker_id,omitempty"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at,omitempty"`
	NotBefore      time.Time      `json:"not_before,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IdempotencyKey fingerprints (stage, paper, batch) so re-enqueues of the
// same logical job collapse onto one row. A job outside any batch hashes
// with the literal "single".
func IdempotencyKey(st stage.Stage, paperID, batchID string) string {
	scope := batchID
	if scope == "" {
		scope = "single"
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", st, paperID, scope)))
	return hex.EncodeToString(sum[:])
}

func jobFromHash(h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	id, err := strconv.ParseInt(h["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad job id %q: %w", h["id"], err)
	}
	j := &Job{
		ID:             id,
		Stage:          stage.Stage(h["stage"]),
		PaperID:        h["paper_id"],
		BatchID:        h["batch_id"],
		Status:         Status(h["status"]),
		IdempotencyKey: h["idempotency_key"],
		WorkerID:       h["worker_id"],
		ErrorMessage:   h["error_message"],
	}
	j.Priority, _ = strconv.Atoi(h["priority"])
	j.RetryCount, _ = strconv.Atoi(h["retry_count"])
	j.MaxRetries, _ = strconv.Atoi(h["max_retries"])
	j.LeaseExpiresAt = msField(h, "lease_expires_at")
	j.NotBefore = msField(h, "not_before")
	j.CreatedAt = msField(h, "created_at")
	j.StartedAt = msField(h, "started_at")
	j.CompletedAt = msField(h, "completed_at")
	if raw := h["metadata"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &j.Metadata); err != nil {
			return nil, fmt.Errorf("bad job metadata: %w", err)
		}
	}
	return j, nil
}

func msField(h map[string]string, field string) time.Time {
	ms, err := strconv.ParseInt(h[field], 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

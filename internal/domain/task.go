package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType enumerates queue work items.
type TaskType string

const (
	TaskTypeProcessBatch TaskType = "process_batch"
	TaskTypeMergeBatch   TaskType = "merge_batch"
)

// Task is one queue message. Delivery is at-least-once; Attempt counts deliveries.
type Task struct {
	ID        uuid.UUID    `json:"task_id"`
	Type      TaskType     `json:"task_type"`
	BatchID   uuid.UUID    `json:"batch_id"`
	Merge     *MergeRecord `json:"payload,omitempty"`
	Attempt   int          `json:"attempt"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewProcessTask builds a process task for the batch.
func NewProcessTask(batchID uuid.UUID, now time.Time) Task {
	return Task{
		ID:        uuid.New(),
		Type:      TaskTypeProcessBatch,
		BatchID:   batchID,
		CreatedAt: now,
	}
}

// NewMergeTask builds a merge task carrying the resolved merge record.
func NewMergeTask(batchID uuid.UUID, record MergeRecord, now time.Time) Task {
	rec := record.Clone()
	return Task{
		ID:        uuid.New(),
		Type:      TaskTypeMergeBatch,
		BatchID:   batchID,
		Merge:     &rec,
		CreatedAt: now,
	}
}

// PayloadJSON marshals the task payload for persistence.
func (t Task) PayloadJSON() ([]byte, error) {
	if t.Merge == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.Merge)
}

// MergeRecordFromJSON hydrates a persisted merge payload. Empty objects yield nil.
func MergeRecordFromJSON(data []byte) (*MergeRecord, error) {
	if len(data) == 0 || string(data) == "{}" || string(data) == "null" {
		return nil, nil
	}
	var record MergeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode merge payload: %w", err)
	}
	return &record, nil
}

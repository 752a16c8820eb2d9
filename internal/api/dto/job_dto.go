package dto

import (
	"encoding/json"

	"github.com/cuongbtq/jobcore/internal/job"
)

// CreateJobRequest is the body of POST /api/v1/jobs
type CreateJobRequest struct {
	WorkerName     string          `json:"worker_name" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *job.Priority   `json:"priority"`
	FaultTolerance int             `json:"fault_tolerance" binding:"gte=0"`
	DelayMS        int64           `json:"delay_ms" binding:"gte=0"`
	Wait           bool            `json:"wait"`
	TimeoutMS      int64           `json:"timeout_ms" binding:"gte=0"`
}

// CreateJobResponse is returned when a job is enqueued without waiting
type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobResultDTO is a terminal or timed-out job result
type JobResultDTO struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

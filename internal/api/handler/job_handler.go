package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobcore/internal/api/dto"
	"github.com/cuongbtq/jobcore/internal/dispatcher"
	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a job, or enqueues and waits for its outcome when wait is set
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid request body",
			Details: err.Error(),
		})
		return
	}

	opts := job.NewOptions(
		job.WithFaultTolerance(req.FaultTolerance),
		job.WithDelay(time.Duration(req.DelayMS)*time.Millisecond),
	)
	if req.Priority != nil {
		if !req.Priority.Valid() {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{
				Error: "priority must be between 0 (fifo) and 5 (critical)",
			})
			return
		}
		opts.Priority = *req.Priority
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	ctx := c.Request.Context()

	if !req.Wait {
		jobID, err := h.dispatcher.Enqueue(ctx, req.WorkerName, payload, opts)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, dto.CreateJobResponse{
			JobID:  jobID,
			Status: string(job.StatusPending),
		})
		return
	}

	result, err := h.dispatcher.EnqueueAndWait(ctx, req.WorkerName, payload, opts, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toResultDTO(result))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the recorded outcome of a finished job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "job_id must be a valid UUID",
		})
		return
	}

	result, found, err := h.dispatcher.Status(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to get job outcome",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "Failed to get job outcome",
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: "No outcome recorded for job",
		})
		return
	}

	c.JSON(http.StatusOK, toResultDTO(result))
}

func (h *JobHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrInvalidJob), errors.Is(err, job.ErrSerialization):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid job",
			Details: err.Error(),
		})
	case errors.Is(err, dispatcher.ErrTransport):
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error: "Job broker unavailable",
		})
	default:
		h.logger.Error("Failed to process job request", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "Failed to process job request",
		})
	}
}

func toResultDTO(r dispatcher.Result) dto.JobResultDTO {
	return dto.JobResultDTO{
		JobID:    r.JobID,
		Status:   string(r.Status),
		Attempts: r.Attempts,
		Value:    r.Value,
		Error:    r.Error,
	}
}

package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/frameforge/api/internal/broker"
	"github.com/frameforge/api/internal/middleware"
	"github.com/frameforge/api/internal/model"
	"github.com/frameforge/api/internal/service"
	"github.com/frameforge/api/pkg/response"
)

type JobHandler struct {
	router    *broker.Router
	jobs      *service.JobService
	validator *validator.Validate
}

func NewJobHandler(router *broker.Router, jobs *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		router:    router,
		jobs:      jobs,
		validator: v,
	}
}

// Submit handles POST /api/jobs
// @Summary      Submit render job
// @Description  Enqueue a render job into the lane for the caller's tier
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.SubmitRequest true "Job submission"
// @Success      202 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [post]
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if req.UserID == "" {
		req.UserID = middleware.GetUserID(c)
	}
	tier := model.Tier(req.Tier)
	if req.Tier == "" {
		tier = model.Tier(middleware.GetUserTier(c))
	}

	result, err := h.router.Submit(c.Context(), tier, &req)
	if err != nil {
		if errors.Is(err, broker.ErrNotProvisioned) {
			return response.QueueError(c, "Lanes not provisioned")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.StatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, &model.StatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Stage:        job.Stage,
		Progress:     job.Progress,
		CurrentFrame: job.CurrentFrame,
		TotalFrames:  job.TotalFrames,
		Error:        job.Error,
		ErrorType:    job.ErrorType,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		RetryCount:   job.RetryCount,
	})
}

// Result handles GET /api/jobs/:jobId/result
// @Summary      Get job result
// @Description  Get the output artifact of a completed render job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderOutput
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/result [get]
func (h *JobHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	if job.Status != model.JobStatusCompleted || job.Output == nil {
		return response.ValidationError(c, "Job not completed yet", nil)
	}

	return response.OK(c, job.Output)
}

// Cancel handles POST /api/jobs/:jobId/cancel
// @Summary      Cancel render job
// @Description  Remove a waiting job or signal cooperative cancellation of a running one
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.CancelResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/cancel [post]
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	tier := model.Tier(middleware.GetUserTier(c))
	cancelled, err := h.router.Cancel(c.Context(), jobID, tier)
	if err != nil {
		if errors.Is(err, broker.ErrNotProvisioned) {
			return response.QueueError(c, "Lanes not provisioned")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, &model.CancelResponse{JobID: jobID, Cancelled: cancelled})
}

// Stats handles GET /api/lanes/stats
// @Summary      Lane statistics
// @Description  Waiting/active/completed/failed/delayed counts per lane
// @Tags         Jobs
// @Produce      json
// @Success      200 {object} model.StatsResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/lanes/stats [get]
func (h *JobHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.router.Stats(c.Context())
	if err != nil {
		if errors.Is(err, broker.ErrNotProvisioned) {
			return response.QueueError(c, "Lanes not provisioned")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, stats)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/runq/internal/core"
)

type SubmitJobRequest struct {
	Name     string   `json:"name" binding:"required"`
	Args     []string `json:"args"`
	Priority *int     `json:"priority"`
}

type UpdatePriorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

type JobResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Args        []string   `json:"args"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	PID         int        `json:"pid,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    *int64     `json:"duration_ms,omitempty"`
}

type ListJobsQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

type StatsResponse struct {
	TotalJobs           int               `json:"total_jobs"`
	StatusCounts        map[string]int    `json:"status_counts"`
	AverageCompletionMS float64           `json:"average_completion_ms"`
	SuccessRate         float64           `json:"success_rate"`
	Patterns            []PatternResponse `json:"patterns"`
}

type PatternResponse struct {
	Name                  string  `json:"name"`
	Description           string  `json:"description"`
	MatchCount            int     `json:"match_count"`
	SuccessRate           float64 `json:"success_rate"`
	DifferenceFromAverage float64 `json:"difference_from_average"`
}

type JobHandler struct {
	scheduler *core.Scheduler
}

func NewJobHandler(scheduler *core.Scheduler) *JobHandler {
	return &JobHandler{scheduler: scheduler}
}

func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.scheduler.Submit(req.Name, req.Args, req.Priority)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, jobToResponse(job))
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 100 {
		query.Limit = 100
	}

	total, jobs := h.scheduler.List(core.ListOptions{
		Status: core.JobStatus(query.Status),
		Limit:  query.Limit,
		Offset: query.Offset,
	})

	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, jobToResponse(job))
	}

	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"jobs":   responses,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.scheduler.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) UpdatePriority(c *gin.Context) {
	var req UpdatePriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.scheduler.UpdatePriority(c.Param("id"), *req.Priority)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.scheduler.Remove(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "job deleted"})
}

func (h *JobHandler) PauseJob(c *gin.Context) {
	job, err := h.scheduler.Pause(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) ResumeJob(c *gin.Context) {
	job, err := h.scheduler.Resume(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) GetStats(c *gin.Context) {
	stats := h.scheduler.Stats()

	counts := make(map[string]int, len(stats.StatusCounts))
	for status, n := range stats.StatusCounts {
		counts[string(status)] = n
	}
	patterns := make([]PatternResponse, 0, len(stats.Patterns))
	for _, p := range stats.Patterns {
		patterns = append(patterns, PatternResponse{
			Name:                  p.Name,
			Description:           p.Description,
			MatchCount:            p.MatchCount,
			SuccessRate:           p.SuccessRate,
			DifferenceFromAverage: p.DifferenceFromAverage,
		})
	}

	c.JSON(http.StatusOK, StatsResponse{
		TotalJobs:           stats.TotalJobs,
		StatusCounts:        counts,
		AverageCompletionMS: stats.AverageCompletionMS,
		SuccessRate:         stats.SuccessRate,
		Patterns:            patterns,
	})
}

func jobToResponse(job core.JobSnapshot) JobResponse {
	resp := JobResponse{
		ID:          job.ID,
		Name:        job.Name,
		Args:        job.Args,
		Status:      string(job.Status),
		Priority:    job.Priority,
		RetryCount:  job.RetryCount,
		PID:         job.PID,
		ExitCode:    job.ExitCode,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		duration := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		resp.Duration = &duration
	}
	return resp
}

func writeError(c *gin.Context, err error) {
	var ve *core.ValidationError
	var ise *core.InvalidStateError
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &ise):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrSchedulerStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs/stats", h.GetStats)
	r.GET("/jobs/:id", h.GetJob)
	r.PUT("/jobs/:id/priority", h.UpdatePriority)
	r.DELETE("/jobs/:id", h.DeleteJob)
	r.POST("/jobs/:id/pause", h.PauseJob)
	r.POST("/jobs/:id/resume", h.ResumeJob)
}

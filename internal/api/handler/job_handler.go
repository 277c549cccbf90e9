package handler

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memberhost/memberq/internal/api/dto"
	"github.com/memberhost/memberq/internal/jobs"
	"github.com/memberhost/memberq/internal/store"
)

// CreateJob handles POST /api/v1/jobs
// Submits a new background job. Jobs whose type requires operator
// approval start unapproved; everything else is queued immediately and
// the commit notifies any running job runner.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	exec, ok := h.registry.Lookup(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job type",
			"types": h.registry.Types(),
		})
		return
	}

	if req.Owner != "" {
		if _, err := h.store.GetMember(c.Request.Context(), req.Owner); err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "Owner is not a member",
				})
				return
			}
			h.logger.Error("Failed to look up owner", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create job",
			})
			return
		}
	}

	job := jobs.NewJob(req.Type, req.Owner, req.Args, exec.RequiresApproval())

	if err := h.store.CreateJob(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	h.store.AppendJobLog(c.Request.Context(), job.JobID,
		store.LogCreated, store.LevelInfo, exec.Describe(job), "")

	c.JSON(http.StatusCreated, toJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns a job together with its log.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	entries, err := h.store.ListJobLog(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to list job log", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	log := make([]dto.JobLogEntryDTO, len(entries))
	for i, e := range entries {
		log[i] = dto.JobLogEntryDTO{
			LogID:   e.LogID,
			Type:    e.Type.String,
			Level:   e.Level.String,
			Message: e.Message.String,
			Raw:     e.Raw.String,
		}
		if e.Time.Valid {
			log[i].Time = e.Time.Time.Format(time.RFC3339)
		}
	}

	c.JSON(http.StatusOK, dto.JobDetailResponse{
		Job: toJobDTO(job),
		Log: log,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional owner, society and state
// filters, paginated by an opaque cursor.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	if req.State != "" && !jobs.State(req.State).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job state",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := store.JobFilter{
		Owner:    req.Owner,
		Society:  req.Society,
		State:    jobs.State(req.State),
		PageSize: req.PageSize,
	}
	if cursor != nil {
		filter.AfterID = cursor.JobID
	}

	result, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(result) > req.PageSize
	if hasMore {
		result = result[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(result))
	for i := range result {
		jobResponse[i] = toJobDTO(&result[i])
	}

	var nextCursor string
	if hasMore {
		last := result[len(result)-1]
		nextCursor = EncodeJobCursor(&JobCursor{JobID: last.JobID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// JobAction handles POST /api/v1/jobs/:job_id/:action
// Applies an operator action (approve, reject, cancel, retry and so on)
// to a job. Each action is only valid from one source state; the state
// guard in the update keeps concurrent operators from racing. Approving
// or retrying a job moves it to queued, which notifies the runner on
// commit just like a fresh submission.
func (h *JobHandler) JobAction(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return
	}

	action, ok := jobs.Actions[c.Param("action")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown action",
		})
		return
	}

	var req dto.JobActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to apply action",
		})
		return
	}

	if err := action.Apply(job, req.Message); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
		return
	}

	err = h.store.UpdateJobState(c.Request.Context(), jobID,
		action.OldState, job.State, job.Message())
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidAction) {
			// The job changed state underneath us.
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to update job state", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to apply action",
		})
		return
	}

	h.store.AppendJobLog(c.Request.Context(), jobID,
		store.LogNote, store.LevelInfo, "Job "+action.PastLabel, "")

	c.JSON(http.StatusOK, toJobDTO(job))
}

// JobTypes handles GET /api/v1/jobs/types
// Lists the job types this deployment can run.
func (h *JobHandler) JobTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"types": h.registry.Types(),
	})
}

func parseJobID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("job id out of range")
	}
	return id, nil
}

func toJobDTO(j *jobs.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:        j.JobID,
		Owner:        nullString(j.Owner),
		State:        j.State.String(),
		StateMessage: j.Message(),
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		Type:         j.Type,
		Args:         j.Args,
		Environment:  nullString(j.Environment),
	}
}

func nullString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

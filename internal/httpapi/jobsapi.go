package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wiremesh/chatcore/internal/apierr"
	"github.com/wiremesh/chatcore/internal/domain"
	"github.com/wiremesh/chatcore/internal/jobs"
)

func (api *API) mountJobs(r chi.Router) {
	r.Post("/jobs", api.handleCreateJob)
	r.Get("/jobs", api.handleListJobs)
	r.Get("/jobs/health", api.handleJobsHealth)
	r.Get("/jobs/{jobID}", api.handleGetJob)
}

type createJobRequest struct {
	AgentID    string          `json:"agentId"`
	UserID     string          `json:"userId"`
	Content    string          `json:"content"`
	Metadata   domain.Metadata `json:"metadata"`
	TimeoutRaw string          `json:"timeoutSeconds"`
}

func (api *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := api.deps.Jobs.Create(r.Context(), jobs.CreateInput{
		AgentID:    req.AgentID,
		UserID:     req.UserID,
		Content:    req.Content,
		Metadata:   req.Metadata,
		TimeoutRaw: req.TimeoutRaw,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"job": newJobDTO(job)})
}

func (api *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": newJobDTOs(api.deps.Jobs.List())})
}

func (api *API) handleJobsHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.deps.Jobs.Health())
}

func (api *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !validID(jobID) {
		writeError(w, apierr.New(apierr.CodeInvalidID, "job id must be a valid identifier"))
		return
	}
	job, err := api.deps.Jobs.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": newJobDTO(job)})
}

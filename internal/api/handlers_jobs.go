package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	respond "github.com/mycelian/shardtracker/internal/api/respond"
	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/services"
	"github.com/mycelian/shardtracker/pkg/wire"
)

// defaultListLimit caps GET listings that do not say how many jobs they want.
const defaultListLimit = 100

// maxEventWait stays below the server's write timeout.
const maxEventWait = 10 * time.Second

// JobHandler is a thin HTTP transport over the tracker's job operations.
type JobHandler struct {
	svc *services.Tracker
}

func NewJobHandler(svc *services.Tracker) *JobHandler { return &JobHandler{svc: svc} }

// SubmitJob POST /api/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req wire.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	j, err := h.svc.SubmitJob(r.Context(), model.SubmitJobRequest{
		ID:         req.ID,
		ClientID:   req.ClientID,
		ShardCount: req.ShardCount,
		Tags:       req.Tags,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, wire.JobRecordFrom(j))
}

// GetJob GET /api/jobs/{jobId}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetJob(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.JobRecordFrom(j))
}

// ListJobs GET /api/jobs?client_id=&include_tags=a,b&exclude_tags=&id=&max_jobs=&return_all=&sort_by=&sort_reverse=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := model.ListRequest{
		ClientID:    q.Get("client_id"),
		IncludeTags: splitList(q["include_tags"]),
		ExcludeTags: splitList(q["exclude_tags"]),
		ID:          q.Get("id"),
		MaxJobs:     defaultListLimit,
		SortBy:      q.Get("sort_by"),
	}
	var err error
	if v := q.Get("max_jobs"); v != "" {
		if req.MaxJobs, err = strconv.Atoi(v); err != nil {
			respond.WriteBadRequest(w, "max_jobs must be an integer")
			return
		}
	}
	if req.ReturnAll, err = parseBool(q.Get("return_all")); err != nil {
		respond.WriteBadRequest(w, "return_all must be a boolean")
		return
	}
	if req.SortReverse, err = parseBool(q.Get("sort_reverse")); err != nil {
		respond.WriteBadRequest(w, "sort_reverse must be a boolean")
		return
	}
	h.list(w, r, req)
}

// QueryJobs POST /api/jobs/list with a ListRequest body.
func (h *JobHandler) QueryJobs(w http.ResponseWriter, r *http.Request) {
	var req model.ListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	h.list(w, r, req)
}

func (h *JobHandler) list(w http.ResponseWriter, r *http.Request, req model.ListRequest) {
	jobs, err := h.svc.ListJobs(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.JobListFrom(jobs))
}

// UpdateTags PUT /api/jobs/{jobId}/tags
func (h *JobHandler) UpdateTags(w http.ResponseWriter, r *http.Request) {
	var req wire.UpdateTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	j, err := h.svc.UpdateJobTags(r.Context(), mux.Vars(r)["jobId"], req.Tags)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.JobRecordFrom(j))
}

// CancelJob POST /api/jobs/{jobId}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.CancelJob(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.JobRecordFrom(j))
}

// JobEvents GET /api/jobs/{jobId}/events[?after=&wait=]
// wait is a duration such as 5s; the request then long-polls until an event
// numbered after `after` exists.
func (h *JobHandler) JobEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		after uint64
		wait  time.Duration
		err   error
	)
	if v := q.Get("after"); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			respond.WriteBadRequest(w, "after must be a non-negative integer")
			return
		}
	}
	if v := q.Get("wait"); v != "" {
		if wait, err = time.ParseDuration(v); err != nil || wait < 0 {
			respond.WriteBadRequest(w, "wait must be a duration such as 5s")
			return
		}
		if wait > maxEventWait {
			wait = maxEventWait
		}
	}
	evts, err := h.svc.JobEvents(r.Context(), mux.Vars(r)["jobId"], after, wait)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.JobEventListFrom(evts))
}

// splitList accepts both repeated parameters and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	respond "github.com/mycelian/shardtracker/internal/api/respond"
	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/services"
	"github.com/mycelian/shardtracker/pkg/wire"
)

// ShardHandler serves scheduler decisions and node reports for shards.
type ShardHandler struct {
	svc *services.Tracker
}

func NewShardHandler(svc *services.Tracker) *ShardHandler { return &ShardHandler{svc: svc} }

// GetShard GET /api/jobs/{jobId}/shards/{shardIndex}
func (h *ShardHandler) GetShard(w http.ResponseWriter, r *http.Request) {
	jobID, idx, ok := shardVars(w, r)
	if !ok {
		return
	}
	s, err := h.svc.GetShard(r.Context(), jobID, idx)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.ShardRecordFrom(s))
}

// AssignShard POST /api/jobs/{jobId}/shards/{shardIndex}/assign
func (h *ShardHandler) AssignShard(w http.ResponseWriter, r *http.Request) {
	jobID, idx, ok := shardVars(w, r)
	if !ok {
		return
	}
	var req wire.AssignRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.svc.AssignShard(r.Context(), jobID, idx, req.NodeID, req.Version)
	writeShard(w, s, err)
}

// RecordAttempt POST /api/jobs/{jobId}/shards/{shardIndex}/executions
func (h *ShardHandler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	jobID, idx, ok := shardVars(w, r)
	if !ok {
		return
	}
	var req wire.AttemptRequest
	if !decode(w, r, &req) || !versioned(w, req.Version) {
		return
	}
	s, exec, err := h.svc.RecordAttempt(r.Context(), jobID, idx, req.NodeID, req.Version)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, wire.ExecutionResponse{
		Shard:     wire.ShardRecordFrom(s),
		Execution: wire.ExecutionRecordFrom(exec),
	})
}

// ListExecutions GET /api/jobs/{jobId}/shards/{shardIndex}/executions[?nodeId=&active=true]
func (h *ShardHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	jobID, idx, ok := shardVars(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	nodeID := q.Get("nodeId")
	active, err := parseBool(q.Get("active"))
	if err != nil {
		respond.WriteBadRequest(w, "active must be a boolean")
		return
	}

	var execs []model.Execution
	if active {
		execs, err = h.svc.ActiveExecutionsForNode(r.Context(), jobID, idx, nodeID)
	} else {
		execs, err = h.svc.History(r.Context(), jobID, idx)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := wire.ExecutionList{Executions: make([]wire.ExecutionRecord, 0, len(execs))}
	for _, e := range execs {
		if nodeID != "" && e.NodeID != nodeID {
			continue
		}
		out.Executions = append(out.Executions, wire.ExecutionRecordFrom(e))
	}
	out.Count = len(out.Executions)
	respond.WriteJSON(w, http.StatusOK, out)
}

// CompleteShard POST /api/jobs/{jobId}/shards/{shardIndex}/complete
func (h *ShardHandler) CompleteShard(w http.ResponseWriter, r *http.Request) {
	jobID, idx, ok := shardVars(w, r)
	if !ok {
		return
	}
	var req wire.CompleteRequest
	if !decode(w, r, &req) || !versioned(w, req.Version) {
		return
	}
	s, err := h.svc.CompleteShard(r.Context(), jobID, idx, req.ExecutionID, req.Version)
	writeShard(w, s, err)
}

// FailShard POST /api/jobs/{jobId}/shards/{shardIndex}/fail
func (h *ShardHandler) FailShard(w http.ResponseWriter, r *http.Request) {
	jobID, idx, ok := shardVars(w, r)
	if !ok {
		return
	}
	var req wire.FailRequest
	if !decode(w, r, &req) || !versioned(w, req.Version) {
		return
	}
	s, err := h.svc.FailShard(r.Context(), jobID, idx, req.Reason, req.Version)
	writeShard(w, s, err)
}

// CancelShard POST /api/jobs/{jobId}/shards/{shardIndex}/cancel
func (h *ShardHandler) CancelShard(w http.ResponseWriter, r *http.Request) {
	jobID, idx, ok := shardVars(w, r)
	if !ok {
		return
	}
	var req wire.CancelRequest
	if !decode(w, r, &req) || !versioned(w, req.Version) {
		return
	}
	s, err := h.svc.CancelShard(r.Context(), jobID, idx, req.Version)
	writeShard(w, s, err)
}

// ReportExecution PATCH /api/executions/{executionId}
func (h *ShardHandler) ReportExecution(w http.ResponseWriter, r *http.Request) {
	var req wire.ReportRequest
	if !decode(w, r, &req) || !versioned(w, req.Version) {
		return
	}
	upd := model.ExecutionUpdate{Result: req.Result, Error: req.Error, Retriable: req.Retriable}
	s, exec, err := h.svc.ReportExecution(r.Context(), mux.Vars(r)["executionId"], model.ExecutionState(req.State), upd, req.Version)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.ExecutionResponse{
		Shard:     wire.ShardRecordFrom(s),
		Execution: wire.ExecutionRecordFrom(exec),
	})
}

func shardVars(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["shardIndex"])
	if err != nil {
		respond.WriteBadRequest(w, "shardIndex must be an integer")
		return "", 0, false
	}
	return vars["jobId"], idx, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return false
	}
	return true
}

// versioned rejects a guarded shard request that does not name the version
// it was computed against.
func versioned(w http.ResponseWriter, version uint64) bool {
	if version == model.AnyVersion {
		writeServiceError(w, model.NewInvalidArgumentError("version", "is required"))
		return false
	}
	return true
}

func writeShard(w http.ResponseWriter, s *model.Shard, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, wire.ShardRecordFrom(s))
}

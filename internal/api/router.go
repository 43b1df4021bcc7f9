package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mycelian/shardtracker/internal/api/recovery"
	"github.com/mycelian/shardtracker/internal/services"
)

const shardPath = "/api/jobs/{jobId}/shards/{shardIndex:-?[0-9]+}"

// NewRouter wires every tracker endpoint.
func NewRouter(svc *services.Tracker, health HealthSource, log zerolog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery.Middleware(log))

	jobs := NewJobHandler(svc)
	shards := NewShardHandler(svc)
	healthHandler := NewHealthHandler(health)

	router.HandleFunc("/api/health", healthHandler.CheckHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Jobs
	router.HandleFunc("/api/jobs", jobs.SubmitJob).Methods("POST")
	router.HandleFunc("/api/jobs", jobs.ListJobs).Methods("GET")
	router.HandleFunc("/api/jobs/list", jobs.QueryJobs).Methods("POST")
	router.HandleFunc("/api/jobs/{jobId}", jobs.GetJob).Methods("GET")
	router.HandleFunc("/api/jobs/{jobId}/tags", jobs.UpdateTags).Methods("PUT")
	router.HandleFunc("/api/jobs/{jobId}/cancel", jobs.CancelJob).Methods("POST")
	router.HandleFunc("/api/jobs/{jobId}/events", jobs.JobEvents).Methods("GET")

	// Shards
	router.HandleFunc(shardPath, shards.GetShard).Methods("GET")
	router.HandleFunc(shardPath+"/assign", shards.AssignShard).Methods("POST")
	router.HandleFunc(shardPath+"/executions", shards.RecordAttempt).Methods("POST")
	router.HandleFunc(shardPath+"/executions", shards.ListExecutions).Methods("GET")
	router.HandleFunc(shardPath+"/complete", shards.CompleteShard).Methods("POST")
	router.HandleFunc(shardPath+"/fail", shards.FailShard).Methods("POST")
	router.HandleFunc(shardPath+"/cancel", shards.CancelShard).Methods("POST")

	// Executions
	router.HandleFunc("/api/executions/{executionId}", shards.ReportExecution).Methods("PATCH")

	return router
}

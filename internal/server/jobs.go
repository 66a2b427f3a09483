package server

import (
	"net/http"
	"strconv"

	"github.com/agent-console/server/internal/jobqueue"
	"github.com/agent-console/server/internal/store"
)

// jobqueueOptionsDefault is used for jobs a user action is waiting on
// (worktree creation, webhook processing).
func jobqueueOptionsDefault() jobqueue.EnqueueOptions {
	return jobqueue.EnqueueOptions{Priority: 0}
}

// jobqueueOptionsLowPriority is used for best-effort background
// housekeeping (output/directory cleanup) that should not starve
// user-waited-on jobs of concurrency slots.
func jobqueueOptionsLowPriority() jobqueue.EnqueueOptions {
	return jobqueue.EnqueueOptions{Priority: -5}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	jobs, err := s.queue.GetJobs(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.RetryJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.CancelJob(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

package frontend

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hamba/pogo/job"
	"github.com/hamba/pogo/namespace"
	"github.com/hamba/pogo/pogoerr"
)

// pingMagic is the literal value ping() returns, per spec.md §6 S1: a
// single 32-bit value, 0xDEADBEEF.
const pingMagic uint32 = 0xDEADBEEF

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pong": []uint32{pingMagic}})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.fleet.Stats()
	s.metrics.workersIdle.Set(float64(stats.Idle))
	s.metrics.workersBusy.Set(float64(stats.Busy))

	ids, err := s.core.ListJobIDs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	perJob := make(map[string]int, len(ids))
	perHost := make(map[string]int)
	for _, id := range ids {
		j, hosts, err := s.core.Snapshot(c.Request.Context(), id)
		if err != nil {
			continue
		}
		perJob[string(j.State)]++
		for _, h := range hosts {
			perHost[string(h.State)]++
		}
	}
	for state, n := range perJob {
		s.metrics.jobsByState.WithLabelValues(state).Set(float64(n))
	}
	for state, n := range perHost {
		s.metrics.hostsByState.WithLabelValues(state).Set(float64(n))
	}

	c.JSON(http.StatusOK, gin.H{
		"hostname":      s.hostname,
		"workers_idle":  stats.Idle,
		"workers_busy":  stats.Busy,
		"per_job_count": perJob,
	})
}

type runRequest struct {
	User          string        `json:"user" binding:"required"`
	RunAs         string        `json:"run_as"`
	Command       string        `json:"command" binding:"required"`
	Target        string        `json:"target" binding:"required"`
	Namespace     string        `json:"namespace" binding:"required"`
	TimeoutSec    int64         `json:"timeout"`
	JobTimeoutSec int64         `json:"job_timeout"`
	Concurrent    namespace.Cap `json:"concurrent"`
	Password      string        `json:"password"`
}

func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, pogoerr.Wrap(pogoerr.InvalidSpec, err, "frontend: malformed run request"))
		return
	}

	spec := job.Spec{
		User:       req.User,
		RunAs:      req.RunAs,
		Command:    req.Command,
		Target:     req.Target,
		Namespace:  req.Namespace,
		Timeout:    secToDuration(req.TimeoutSec),
		JobTimeout: secToDuration(req.JobTimeoutSec),
		Concurrent: req.Concurrent,
		Password:   req.Password,
	}

	ctx := c.Request.Context()
	jobID, err := s.core.Create(ctx, spec)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := s.core.Start(ctx, jobID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobid": jobID})
}

func (s *Server) handleJobInfo(c *gin.Context) {
	jobID := c.Param("jobid")

	j, _, err := s.core.Snapshot(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	jobID := c.Param("jobid")

	j, hosts, err := s.core.Snapshot(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}

	offset := intParam(c, "offset", 0)
	limit := intParam(c, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	end := offset + limit
	if end > len(hosts) {
		end = len(hosts)
	}
	page := hosts
	if offset < len(hosts) {
		page = hosts[offset:end]
	} else {
		page = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"jobstate": j.State,
		"hosts":    page,
		"total":    len(hosts),
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	ctx := c.Request.Context()

	ids, err := s.core.ListJobIDs(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, _, err := s.core.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}

	jobs, err = evaluateFilter(filterExprFromQuery(c), jobs)
	if err != nil {
		writeError(c, err)
		return
	}

	limit := intParam(c, "limit", 50)
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := intParam(c, "offset", 0)
	if page := intParam(c, "page", 0); page > 0 {
		offset = page * limit
	}

	end := offset + limit
	if end > len(jobs) {
		end = len(jobs)
	}
	var page []*job.Job
	if offset < len(jobs) {
		page = jobs[offset:end]
	}

	c.JSON(http.StatusOK, gin.H{"jobs": page, "total": len(jobs)})
}

// filterExprFromQuery builds a bexpr expression ANDing the listjobs
// filters{user,state,target} query params the spec names.
func filterExprFromQuery(c *gin.Context) string {
	expr := ""
	add := func(field, value string) {
		if value == "" {
			return
		}
		clause := field + ` == "` + value + `"`
		if expr == "" {
			expr = clause
			return
		}
		expr = expr + " and " + clause
	}

	add("user", c.Query("user"))
	add("state", c.Query("state"))
	add("target", c.Query("target"))
	return expr
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(c *gin.Context) {
	jobID := c.Param("jobid")

	var req haltRequest
	_ = c.ShouldBindJSON(&req)

	reason := job.HaltUser
	if req.Reason != "" {
		reason = job.HaltReason(req.Reason)
	}

	if err := s.core.Halt(c.Request.Context(), jobID, reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobid": jobID, "state": job.Halted})
}

type retryRequest struct {
	Hosts []string `json:"hosts" binding:"required"`
}

func (s *Server) handleRetry(c *gin.Context) {
	jobID := c.Param("jobid")

	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, pogoerr.Wrap(pogoerr.InvalidSpec, err, "frontend: malformed retry request"))
		return
	}

	if err := s.core.Retry(c.Request.Context(), jobID, req.Hosts); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobid": jobID, "hosts": req.Hosts})
}

func (s *Server) handleLoadConf(c *gin.Context) {
	ns := c.Param("namespace")

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, pogoerr.Wrap(pogoerr.InvalidSpec, err, "frontend: read config body"))
		return
	}

	if err := s.ns.Store(c.Request.Context(), ns, raw); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"namespace": ns})
}

func intParam(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func secToDuration(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}

// Package frontend is the thin JSON-over-HTTP translator spec.md §6
// calls out as an external collaborator: it turns HTTP requests into
// calls against the dispatcher core (job.Controller, namespace.Registry,
// worker.Pool) and core results back into the wire shapes the spec
// defines for run/jobinfo/jobstatus/listjobs/halt/retry/loadconf/ping/
// stats, never holding any scheduling or state-machine logic itself.
package frontend

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-bexpr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamba/pkg/log"

	"github.com/hamba/pogo/job"
	"github.com/hamba/pogo/pogoerr"
	"github.com/hamba/pogo/worker"
)

// Core is the subset of job.Controller the front-end drives.
type Core interface {
	Create(ctx context.Context, spec job.Spec) (string, error)
	Start(ctx context.Context, jobID string) error
	Halt(ctx context.Context, jobID string, reason job.HaltReason) error
	Retry(ctx context.Context, jobID string, hosts []string) error
	Snapshot(ctx context.Context, jobID string) (*job.Job, []*job.Host, error)
	ListJobIDs(ctx context.Context) ([]string, error)
}

// NamespaceStore is the subset of namespace.Registry loadconf needs.
type NamespaceStore interface {
	Store(ctx context.Context, name string, raw []byte) error
}

// WorkerFleet is the subset of worker.Pool stats() reports on.
type WorkerFleet interface {
	Stats() worker.Stats
}

// Server wires Core, NamespaceStore and WorkerFleet to the gin router
// implementing the spec's HTTP surface.
type Server struct {
	core      Core
	ns        NamespaceStore
	fleet     WorkerFleet
	hostname  string
	log       log.Logger
	metrics   *metrics
	registry  *prometheus.Registry
	startedAt time.Time
}

// New builds a Server. hostname is reported verbatim by stats().
func New(core Core, ns NamespaceStore, fleet WorkerFleet, hostname string, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Null
	}

	registry := prometheus.NewRegistry()
	return &Server{
		core:      core,
		ns:        ns,
		fleet:     fleet,
		hostname:  hostname,
		log:       logger,
		metrics:   newMetrics(registry),
		registry:  registry,
		startedAt: time.Now(),
	}
}

// Router builds the gin.Engine serving the dispatcher's HTTP API.
func (s *Server) Router() *gin.Engine {
	gin.DefaultWriter = io.Discard

	r := gin.New()
	r.Use(s.logMiddleware(), gin.Recovery())

	r.GET("/ping", s.handlePing)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/run", s.handleRun)
		v1.GET("/jobs/:jobid", s.handleJobInfo)
		v1.GET("/jobs/:jobid/status", s.handleJobStatus)
		v1.GET("/jobs", s.handleListJobs)
		v1.POST("/jobs/:jobid/halt", s.handleHalt)
		v1.POST("/jobs/:jobid/retry", s.handleRetry)
		v1.PUT("/namespaces/:namespace/config", s.handleLoadConf)
	}

	return r
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("frontend: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// writeError renders a pogoerr.Error (or any error) as the spec's
// {kind, message, jobid?, hostname?} shape with a kind-appropriate
// HTTP status.
func writeError(c *gin.Context, err error) {
	pe, ok := err.(*pogoerr.Error)
	if !ok {
		pe = pogoerr.Wrap(pogoerr.Internal, err, "frontend: unexpected error")
	}

	c.JSON(statusForKind(pe.Kind), gin.H{
		"kind":     pe.Kind,
		"message":  pe.Message,
		"jobid":    pe.JobID,
		"hostname": pe.Hostname,
	})
}

func statusForKind(kind pogoerr.Kind) int {
	switch kind {
	case pogoerr.InvalidSpec, pogoerr.UnknownTag, pogoerr.UnparseableRange, pogoerr.EmptyExpansion:
		return http.StatusBadRequest
	case pogoerr.UnknownNamespace:
		return http.StatusNotFound
	case pogoerr.CASConflict:
		return http.StatusConflict
	case pogoerr.CoordinationStoreUnavailable, pogoerr.WorkerLost:
		return http.StatusServiceUnavailable
	case pogoerr.NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// evaluateFilter applies a bexpr expression built from listjobs query
// params against a slice of *job.Job, per spec.md §6's "filters are
// ANDed" requirement — bexpr.CreateFilter already ANDs every clause in
// the expression it parses.
func evaluateFilter(expr string, jobs []*job.Job) ([]*job.Job, error) {
	if expr == "" {
		return jobs, nil
	}

	filter, err := bexpr.CreateFilter(expr, nil, jobs)
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.InvalidSpec, err, "frontend: invalid filter expression")
	}

	out, err := filter.Execute(jobs)
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.InvalidSpec, err, "frontend: evaluate filter")
	}
	return out.([]*job.Job), nil
}

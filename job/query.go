package job

import (
	"context"
	"sort"

	"github.com/hamba/pogo/pogoerr"
)

// Snapshot returns a job's current record and its host records, read
// from the in-memory cache when the job is live on this dispatcher or
// from the Coordination Store otherwise (after a restart, for
// instance).
func (c *Controller) Snapshot(ctx context.Context, jobID string) (*Job, []*Host, error) {
	c.mu.Lock()
	lj, ok := c.jobs[jobID]
	c.mu.Unlock()

	if ok {
		lj.mu.Lock()
		j := *lj.job
		hosts := make([]*Host, 0, len(lj.hosts))
		for _, h := range lj.hosts {
			hc := *h
			hosts = append(hosts, &hc)
		}
		order := lj.order
		lj.mu.Unlock()

		// Map iteration is randomized; pagination in the front-end's
		// jobstatus handler needs a stable order across calls, so sort
		// by the job's target expansion order (spec.md §4.2/§6).
		sort.Slice(hosts, func(i, j int) bool { return order[hosts[i].Hostname] < order[hosts[j].Hostname] })
		return &j, hosts, nil
	}

	j, err := c.view.getJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j == nil {
		return nil, nil, pogoerr.Newf(pogoerr.Internal, "job: %s not found", jobID).WithJob(jobID)
	}
	hosts, err := c.view.listHosts(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return j, hosts, nil
}

// ListJobIDs returns every known jobid, newest (numerically greatest)
// first, matching the front-end's listjobs ordering (spec.md §6).
func (c *Controller) ListJobIDs(ctx context.Context) ([]string, error) {
	ids, err := c.cs.Children(ctx, "/pogo/jobs")
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: list jobs")
	}

	// jobids are fixed-width zero-padded integers, so lexicographic
	// descending order is numeric descending order.
	sortDescending(ids)
	return ids, nil
}

func sortDescending(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] > ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

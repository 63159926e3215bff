package job

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/pogoerr"
)

// view wraps a coord.Adapter with the typed read/write helpers a
// Controller needs for job and host records (the JobView/HostView of
// spec.md §4.5).
type view struct {
	cs *coord.Adapter
}

func newView(cs *coord.Adapter) *view { return &view{cs: cs} }

// createJob allocates a sequential CS node under coord.JobsRoot and
// writes the password-less spec record, returning the assigned jobid.
func (v *view) createJob(ctx context.Context, j *Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", pogoerr.Wrap(pogoerr.Internal, err, "job: marshal spec")
	}

	full, err := v.cs.Create(ctx, coord.JobsRoot, data, coord.Sequential)
	if err != nil {
		return "", pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: create")
	}

	jobID := strings.TrimPrefix(full, "/pogo/jobs/")
	return jobID, nil
}

func (v *view) putState(ctx context.Context, jobID string, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return pogoerr.Wrap(pogoerr.Internal, err, "job: marshal state")
	}

	path := coord.JobStatePath(jobID)
	_, err = v.cs.CASWrite(ctx, path, func(cur *coord.Node) ([]byte, error) {
		return data, nil
	})
	if err != nil {
		return pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: put state")
	}
	return nil
}

// getJob reads the record last written by putState, falling back to
// the creation-time spec record when no state has been written yet.
func (v *view) getJob(ctx context.Context, jobID string) (*Job, error) {
	node, err := v.cs.Get(ctx, coord.JobStatePath(jobID))
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: get")
	}
	if node == nil {
		node, err = v.cs.Get(ctx, coord.JobPath(jobID))
		if err != nil {
			return nil, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: get")
		}
	}
	if node == nil {
		return nil, nil
	}
	var j Job
	if err := json.Unmarshal(node.Data, &j); err != nil {
		return nil, pogoerr.Wrap(pogoerr.Internal, err, "job: unmarshal")
	}
	j.JobID = jobID
	return &j, nil
}

func (v *view) putHost(ctx context.Context, h *Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return pogoerr.Wrap(pogoerr.Internal, err, "job: marshal host")
	}

	path := coord.HostPath(h.JobID, h.Hostname)
	_, err = v.cs.CASWrite(ctx, path, func(cur *coord.Node) ([]byte, error) {
		return data, nil
	})
	if err != nil {
		return pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: put host")
	}
	return nil
}

func (v *view) createHost(ctx context.Context, h *Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return pogoerr.Wrap(pogoerr.Internal, err, "job: marshal host")
	}

	path := coord.HostPath(h.JobID, h.Hostname)
	if _, err := v.cs.Create(ctx, path, data, coord.None); err != nil {
		return pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: create host")
	}
	return nil
}

func (v *view) listHosts(ctx context.Context, jobID string) ([]*Host, error) {
	names, err := v.cs.Children(ctx, coord.JobHostsPath(jobID))
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: list hosts")
	}

	out := make([]*Host, 0, len(names))
	for _, name := range names {
		node, err := v.cs.Get(ctx, coord.HostPath(jobID, name))
		if err != nil {
			return nil, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "job: get host")
		}
		if node == nil {
			continue
		}
		var h Host
		if err := json.Unmarshal(node.Data, &h); err != nil {
			return nil, pogoerr.Wrap(pogoerr.Internal, err, "job: unmarshal host")
		}
		out = append(out, &h)
	}
	return out, nil
}

package coord

import "fmt"

// Path layout, per spec.md §6:
//
//	/pogo/jobs/p0000000001           job spec (sans password)
//	/pogo/jobs/p0000000001/state     current job state
//	/pogo/jobs/p0000000001/hosts/<h> host record
//	/pogo/ns/<ns>/config             namespace yaml
//	/pogo/ns/<ns>/locks/<tag>/<seq>  ephemeral lock (created by scheduler)
//	/pogo/dispatchers/<id>           ephemeral liveness record

// JobsRoot is the path prefix handed to a sequential Create under
// /pogo/jobs to allocate job ids.
const JobsRoot = "/pogo/jobs/p"

// JobPath returns the path holding a job's spec.
func JobPath(jobID string) string {
	return fmt.Sprintf("/pogo/jobs/%s", jobID)
}

// JobStatePath returns the path holding a job's current state.
func JobStatePath(jobID string) string {
	return fmt.Sprintf("/pogo/jobs/%s/state", jobID)
}

// JobHostsPath returns the parent path under which host records live.
func JobHostsPath(jobID string) string {
	return fmt.Sprintf("/pogo/jobs/%s/hosts", jobID)
}

// HostPath returns the path holding a single host's record.
func HostPath(jobID, hostname string) string {
	return fmt.Sprintf("/pogo/jobs/%s/hosts/%s", jobID, hostname)
}

// NamespaceConfigPath returns the path holding a namespace's YAML
// config document.
func NamespaceConfigPath(ns string) string {
	return fmt.Sprintf("/pogo/ns/%s/config", ns)
}

// NamespaceLocksPath returns the parent path for a tag's lock slots.
func NamespaceLocksPath(ns, tag string) string {
	return fmt.Sprintf("/pogo/ns/%s/locks/%s/", ns, tag)
}

// DispatcherPath returns the ephemeral liveness record path for a
// dispatcher process.
func DispatcherPath(id string) string {
	return fmt.Sprintf("/pogo/dispatchers/%s", id)
}

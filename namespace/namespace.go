// Package namespace models a namespace's host→tags mapping and
// constraint rules. It holds no lock state: the ephemeral lock records
// are Coordination Store nodes that the scheduler creates and releases.
// A Namespace is an in-memory view rehydrated from the Coordination
// Store on demand (spec.md §2, component 2).
package namespace

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PredecessorFailurePolicy controls what happens to a waiting host
// whose sequence predecessor terminally fails. Left unresolved by the
// visible source (spec.md §9 Open Questions); defaults to Deadlock.
type PredecessorFailurePolicy string

// Policies.
const (
	PolicySkip     PredecessorFailurePolicy = "skip"
	PolicyDeadlock PredecessorFailurePolicy = "deadlock"
	PolicyProceed  PredecessorFailurePolicy = "proceed"
)

// Constraint caps simultaneous execution over a tag selector, or
// imposes a before/after ordering between tag classes.
type Constraint struct {
	AppliesTo      string   `yaml:"applies_to"`
	MaxParallel    Cap      `yaml:"max_parallel"`
	SequenceBefore []string `yaml:"sequence_before"`
}

// Cap is a concurrency cap that is either a flat integer or a
// percentage of the matching host set, e.g. "50%".
type Cap struct {
	Value   int
	Percent bool
}

// Resolve returns the effective integer cap for a selector matching n
// hosts.
func (c Cap) Resolve(n int) int {
	if !c.Percent {
		return c.Value
	}
	v := n * c.Value / 100
	if v < 1 {
		v = 1
	}
	return v
}

// String renders the cap the way it was written: "4" or "50%".
func (c Cap) String() string {
	if c.Percent {
		return fmt.Sprintf("%d%%", c.Value)
	}
	return fmt.Sprintf("%d", c.Value)
}

// MarshalJSON renders the cap as a JSON string, matching its textual
// form so persisted job records stay human-readable.
func (c Cap) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON parses the cap from its textual form.
func (c *Cap) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if strings.HasSuffix(s, "%") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
		if err != nil {
			return fmt.Errorf("namespace: invalid cap %q: %w", s, err)
		}
		c.Value, c.Percent = n, true
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("namespace: invalid cap %q: %w", s, err)
	}
	c.Value, c.Percent = n, false
	return nil
}

// Config is the YAML document shape accepted by loadconf.
type Config struct {
	Hosts                map[string][]string     `yaml:"hosts"`
	Constraints          []Constraint             `yaml:"constraints"`
	OnPredecessorFailure PredecessorFailurePolicy `yaml:"on_predecessor_failure"`
}

// Namespace is the in-memory, rehydrated view of a namespace.
type Namespace struct {
	Name                 string
	OnPredecessorFailure PredecessorFailurePolicy

	mu          sync.RWMutex
	hosts       map[string]map[string]struct{} // host -> tags
	tagIndex    map[string]map[string]struct{} // tag -> hosts
	constraints []Constraint
}

// New builds a Namespace from a decoded Config.
func New(name string, cfg Config) *Namespace {
	ns := &Namespace{
		Name:                 name,
		OnPredecessorFailure: cfg.OnPredecessorFailure,
		hosts:                make(map[string]map[string]struct{}),
		tagIndex:             make(map[string]map[string]struct{}),
		constraints:          cfg.Constraints,
	}
	if ns.OnPredecessorFailure == "" {
		ns.OnPredecessorFailure = PolicyDeadlock
	}

	for host, tags := range cfg.Hosts {
		set := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			set[t] = struct{}{}
			if ns.tagIndex[t] == nil {
				ns.tagIndex[t] = make(map[string]struct{})
			}
			ns.tagIndex[t][host] = struct{}{}
		}
		ns.hosts[host] = set
	}

	return ns
}

// Constraints returns the namespace's constraint rules.
func (n *Namespace) Constraints() []Constraint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Constraint, len(n.constraints))
	copy(out, n.constraints)
	return out
}

// HasHost reports whether host is known to the namespace.
func (n *Namespace) HasHost(host string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.hosts[host]
	return ok
}

// HostsByTag returns the hosts carrying tag, in sorted order for
// deterministic expansion.
func (n *Namespace) HostsByTag(tag string) ([]string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	set, ok := n.tagIndex[tag]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, true
}

// TagsOf returns the tags attached to host.
func (n *Namespace) TagsOf(host string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	tags := n.hosts[host]
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	return out
}

// HostMatchesSelector reports whether host carries every tag named in
// selector, a "+"-joined conjunction of tag names (e.g. "db+primary").
func (n *Namespace) HostMatchesSelector(host, selector string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	tags := n.hosts[host]
	for _, want := range strings.Split(selector, "+") {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		if _, ok := tags[want]; !ok {
			return false
		}
	}
	return true
}

// MatchingHosts returns every known host that matches selector.
func (n *Namespace) MatchingHosts(selector string) []string {
	n.mu.RLock()
	hosts := make([]string, 0, len(n.hosts))
	for h := range n.hosts {
		hosts = append(hosts, h)
	}
	n.mu.RUnlock()

	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if n.HostMatchesSelector(h, selector) {
			out = append(out, h)
		}
	}
	return out
}

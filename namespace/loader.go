package namespace

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/pogoerr"
)

// UnmarshalYAML decodes the Cap custom scalar: either a bare integer
// or a "<n>%" string.
func (c *Cap) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var n int
		if err := value.Decode(&n); err != nil {
			return err
		}
		c.Value, c.Percent = n, false
		return nil
	}

	if strings.HasSuffix(raw, "%") {
		n, err := strconv.Atoi(strings.TrimSuffix(raw, "%"))
		if err != nil {
			return fmt.Errorf("namespace: invalid max_parallel percentage %q: %w", raw, err)
		}
		c.Value, c.Percent = n, true
		return nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("namespace: invalid max_parallel %q: %w", raw, err)
	}
	c.Value, c.Percent = n, false
	return nil
}

// Registry tracks the namespaces known to a dispatcher, rehydrating
// them from the Coordination Store's /pogo/ns/<name>/config node.
type Registry struct {
	cs *coord.Adapter
}

// NewRegistry returns a Registry backed by cs.
func NewRegistry(cs *coord.Adapter) *Registry {
	return &Registry{cs: cs}
}

// Load fetches and parses the config document at
// /pogo/ns/<name>/config, producing a Namespace view.
func (r *Registry) Load(ctx context.Context, name string) (*Namespace, error) {
	node, err := r.cs.Get(ctx, coord.NamespaceConfigPath(name))
	if err != nil {
		return nil, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "namespace: load "+name)
	}
	if node == nil {
		return nil, pogoerr.Newf(pogoerr.UnknownNamespace, "namespace: %q is not configured", name)
	}

	var cfg Config
	if err := yaml.Unmarshal(node.Data, &cfg); err != nil {
		return nil, pogoerr.Wrap(pogoerr.InvalidSpec, err, "namespace: parse "+name)
	}

	return New(name, cfg), nil
}

// Store validates raw as a namespace Config document and writes it to
// the Coordination Store, creating or replacing the namespace
// definition (the loadconf operation, spec.md §5).
func (r *Registry) Store(ctx context.Context, name string, raw []byte) error {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return pogoerr.Wrap(pogoerr.InvalidSpec, err, "namespace: parse "+name)
	}
	if len(cfg.Hosts) == 0 {
		return pogoerr.Newf(pogoerr.InvalidSpec, "namespace: %q defines no hosts", name)
	}

	path := coord.NamespaceConfigPath(name)
	_, err := r.cs.CASWrite(ctx, path, func(cur *coord.Node) ([]byte, error) {
		return raw, nil
	})
	if err != nil {
		return pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "namespace: store "+name)
	}
	return nil
}

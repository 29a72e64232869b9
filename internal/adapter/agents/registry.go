// Package agents loads agent records from the YAML definition file and
// serves them from memory. Records are immutable after load.
package agents

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// Registry is the in-memory agent catalog.
type Registry struct {
	byID  map[string]domain.AgentRecord
	order []string
}

type agentsFile struct {
	Agents []domain.AgentRecord `yaml:"agents"`
}

// Load reads the agents file and builds the registry. Duplicate or empty
// ids fail the load; a broken catalog should stop startup, not requests.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=agents.Load: %w", err)
	}
	return Parse(b)
}

// Parse builds a registry from raw YAML.
func Parse(b []byte) (*Registry, error) {
	var f agentsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("op=agents.Parse: %w", err)
	}
	r := &Registry{byID: make(map[string]domain.AgentRecord, len(f.Agents))}
	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("op=agents.Parse: agent %d has empty id", i)
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("op=agents.Parse: duplicate agent id %q", a.ID)
		}
		r.byID[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	return r, nil
}

// FromRecords builds a registry directly, mainly for tests.
func FromRecords(records ...domain.AgentRecord) *Registry {
	r := &Registry{byID: make(map[string]domain.AgentRecord, len(records))}
	for _, a := range records {
		if _, dup := r.byID[a.ID]; dup {
			continue
		}
		r.byID[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	return r
}

// Get returns the agent record for an id.
func (r *Registry) Get(id string) (domain.AgentRecord, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// List returns all records in file order.
func (r *Registry) List() []domain.AgentRecord {
	out := make([]domain.AgentRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

var _ domain.AgentRegistry = (*Registry)(nil)

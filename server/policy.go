// Package server implements the submission service: format negotiation,
// quota-checked archive ingestion, and the competition policy table.
package server

import (
	"fmt"
	"sort"

	"github.com/AutoScots/optimusprime/archive"
)

// UnregisteredName is the sentinel competition name returned when a check
// targets an id the policy does not know. Unknown ids are not an error: a
// client may probe before a competition is registered.
const UnregisteredName = "(unregistered)"

// DefaultCompetitionID is used when a request omits the competition field.
const DefaultCompetitionID = "default"

// Competition defines one quota scope: its attempt budget and the packaging
// format it requires.
type Competition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	MaxAttempts int            `json:"max_attempts" yaml:"max_attempts"`
	Format      archive.Format `json:"-" yaml:"format"`
}

// Policy is the static mapping from competition id to competition. Format
// selection is explicit configuration, never derived from the clock.
type Policy struct {
	defaultFormat      archive.Format
	defaultMaxAttempts int
	competitions       map[string]Competition
}

// NewPolicy builds a policy from a competition list plus fallback defaults
// applied to unknown ids.
func NewPolicy(defaultFormat archive.Format, defaultMaxAttempts int, competitions []Competition) (*Policy, error) {
	if !defaultFormat.Valid() {
		return nil, fmt.Errorf("invalid default format: %q", defaultFormat)
	}
	if defaultMaxAttempts <= 0 {
		return nil, fmt.Errorf("default max attempts must be positive, got %d", defaultMaxAttempts)
	}

	table := make(map[string]Competition, len(competitions))
	for _, c := range competitions {
		if c.ID == "" {
			return nil, fmt.Errorf("competition with empty id")
		}
		if c.MaxAttempts <= 0 {
			return nil, fmt.Errorf("competition %s: max attempts must be positive, got %d", c.ID, c.MaxAttempts)
		}
		if c.Format == "" {
			c.Format = defaultFormat
		}
		if !c.Format.Valid() {
			return nil, fmt.Errorf("competition %s: invalid format %q", c.ID, c.Format)
		}
		if _, dup := table[c.ID]; dup {
			return nil, fmt.Errorf("duplicate competition id %s", c.ID)
		}
		table[c.ID] = c
	}

	return &Policy{
		defaultFormat:      defaultFormat,
		defaultMaxAttempts: defaultMaxAttempts,
		competitions:       table,
	}, nil
}

// Lookup returns the competition for an id and whether it is registered.
// Unknown ids get a lenient synthetic competition using the policy defaults
// and the sentinel name.
func (p *Policy) Lookup(id string) (Competition, bool) {
	if id == "" {
		id = DefaultCompetitionID
	}
	if c, ok := p.competitions[id]; ok {
		return c, true
	}
	return Competition{
		ID:          id,
		Name:        UnregisteredName,
		MaxAttempts: p.defaultMaxAttempts,
		Format:      p.defaultFormat,
	}, false
}

// Registered returns the registered competitions sorted by id.
func (p *Policy) Registered() []Competition {
	out := make([]Competition, 0, len(p.competitions))
	for _, c := range p.competitions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

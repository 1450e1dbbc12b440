// Package router resolves a step's domain and capability to an agent endpoint.
//
// Routing is a simple rule lookup from the engine's point of view: the
// engine only consumes the Router interface and treats any routing
// failure as terminal for the step (routing failures are not
// transient, so they are never retried).
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoRoute is returned when no registered agent can serve a
	// domain/capability pair.
	ErrNoRoute = errors.New("no route")

	ErrEmptyEndpoint = errors.New("empty endpoint")
	ErrMissingAgent  = errors.New("missing agent id")
	ErrDuplicate     = errors.New("agent already registered")
	ErrUnknownAgent  = errors.New("unknown agent")
)

// Endpoint describes a registered automation agent.
type Endpoint struct {
	AgentID      string   `json:"agent_id" yaml:"agent_id"`
	Name         string   `json:"name,omitempty" yaml:"name"`
	Domain       string   `json:"domain" yaml:"domain"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
	URL          string   `json:"url,omitempty" yaml:"url"`
	Available    bool     `json:"available" yaml:"available"`
}

// Validate checks ep for missing values.
func (ep *Endpoint) Validate() error {
	if ep == nil {
		return ErrEmptyEndpoint
	}
	if ep.AgentID == "" {
		return ErrMissingAgent
	}
	if ep.Domain == "" {
		return fmt.Errorf("agent %s: missing domain", ep.AgentID)
	}
	return nil
}

func (ep *Endpoint) hasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range ep.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Router resolves a domain/capability pair to an agent endpoint.
type Router interface {
	Route(ctx context.Context, domain, capability string) (*Endpoint, error)
}

// Static routes against a registered agent table.
// Route matches on domain, filters by capability and availability, and
// picks the lowest agent ID for determinism when several agents match.
type Static struct {
	mu     sync.RWMutex
	agents map[string]*Endpoint
}

// NewStatic creates a new static router.
func NewStatic(endpoints ...*Endpoint) (*Static, error) {
	r := &Static{agents: make(map[string]*Endpoint)}
	for _, ep := range endpoints {
		if err := r.Register(ep); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds ep to the agent table.
func (r *Static) Register(ep *Endpoint) error {
	if err := ep.Validate(); err != nil {
		return fmt.Errorf("validating endpoint: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[ep.AgentID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, ep.AgentID)
	}
	epCopy := *ep
	r.agents[ep.AgentID] = &epCopy
	return nil
}

// Deregister removes an agent from the table.
func (r *Static) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// SetAvailable marks an agent's availability.
func (r *Static) SetAvailable(agentID string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	ep.Available = available
	return nil
}

// Agents returns a copy of the registered agent table.
func (r *Static) Agents() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]*Endpoint, 0, len(r.agents))
	for _, ep := range r.agents {
		epCopy := *ep
		agents = append(agents, &epCopy)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents
}

// Route implements the Router interface method.
func (r *Static) Route(_ context.Context, domain, capability string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var match *Endpoint
	for _, ep := range r.agents {
		if ep.Domain != domain || !ep.Available || !ep.hasCapability(capability) {
			continue
		}
		if match == nil || ep.AgentID < match.AgentID {
			match = ep
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: domain=%s capability=%s", ErrNoRoute, domain, capability)
	}
	epCopy := *match
	return &epCopy, nil
}

package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticRoute(t *testing.T) {
	r, err := NewStatic(
		&Endpoint{AgentID: "net-2", Domain: "network", Capabilities: []string{"scan", "audit"}, Available: true},
		&Endpoint{AgentID: "net-1", Domain: "network", Capabilities: []string{"scan"}, Available: true},
		&Endpoint{AgentID: "doc-1", Domain: "documentation", Capabilities: []string{"update"}, Available: true},
		&Endpoint{AgentID: "net-0", Domain: "network", Capabilities: []string{"scan"}, Available: false},
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ep, err := r.Route(ctx, "network", "scan")
	if err != nil {
		t.Fatal(err)
	}
	// net-0 is unavailable, so the lowest available agent ID wins.
	if have, want := ep.AgentID, "net-1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	ep, err = r.Route(ctx, "network", "audit")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := ep.AgentID, "net-2"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	_, err = r.Route(ctx, "network", "remediate")
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute; got: %v", err)
	}

	_, err = r.Route(ctx, "storage", "scan")
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute; got: %v", err)
	}
}

func TestStaticAvailability(t *testing.T) {
	r, err := NewStatic(
		&Endpoint{AgentID: "a1", Domain: "network", Capabilities: []string{"scan"}, Available: true},
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err = r.SetAvailable("a1", false); err != nil {
		t.Fatal(err)
	}
	if _, err = r.Route(ctx, "network", "scan"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute; got: %v", err)
	}

	if err = r.SetAvailable("a1", true); err != nil {
		t.Fatal(err)
	}
	if _, err = r.Route(ctx, "network", "scan"); err != nil {
		t.Fatal(err)
	}

	if err = r.SetAvailable("nope", true); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent; got: %v", err)
	}
}

func TestStaticRegister(t *testing.T) {
	r, err := NewStatic()
	if err != nil {
		t.Fatal(err)
	}
	ep := &Endpoint{AgentID: "a1", Domain: "network", Available: true}
	if err = r.Register(ep); err != nil {
		t.Fatal(err)
	}
	if err = r.Register(ep); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate; got: %v", err)
	}
	if err = r.Register(&Endpoint{Domain: "network"}); !errors.Is(err, ErrMissingAgent) {
		t.Errorf("expected ErrMissingAgent; got: %v", err)
	}

	// registered endpoints are copies; mutating the caller's struct
	// must not reach the table.
	ep.Domain = "storage"
	if _, err = r.Route(context.Background(), "network", ""); err != nil {
		t.Fatal(err)
	}

	r.Deregister("a1")
	if _, err = r.Route(context.Background(), "network", ""); !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute; got: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	const agentsYAML = `agents:
  - agent_id: net-1
    name: Network Scanner
    domain: network
    capabilities: [scan, audit]
    url: http://localhost:9001/invoke
  - agent_id: doc-1
    domain: documentation
    capabilities: [update]
    available: false
`
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(agentsYAML), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewStaticFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// "available" absent defaults to true.
	ep, err := r.Route(context.Background(), "network", "audit")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := ep.URL, "http://localhost:9001/invoke"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// explicit available: false is honored.
	if _, err = r.Route(context.Background(), "documentation", "update"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute; got: %v", err)
	}
}

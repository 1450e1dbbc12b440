package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/orchcmd/orchcmd/router"
	"github.com/orchcmd/orchcmd/workflow"
)

// httpInvoker dispatches step attempts to agent endpoints as JSON over
// HTTP POST. The response body is the step result payload.
type httpInvoker struct {
	client *http.Client
}

func newHTTPInvoker() *httpInvoker {
	// per-attempt deadlines come from the request context
	return &httpInvoker{client: http.DefaultClient}
}

type invokeRequest struct {
	StepID     string            `json:"step_id"`
	Name       string            `json:"name,omitempty"`
	Domain     string            `json:"domain"`
	Capability string            `json:"capability"`
	Params     map[string]string `json:"params,omitempty"`
}

// Invoke implements the engine.Invoker interface method.
func (i *httpInvoker) Invoke(ctx context.Context, ep *router.Endpoint, spec *workflow.StepSpec) ([]byte, error) {
	body, err := json.Marshal(&invokeRequest{
		StepID:     spec.ID,
		Name:       spec.Name,
		Domain:     spec.Domain,
		Capability: spec.Capability,
		Params:     spec.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoking agent %s: %w", ep.AgentID, err)
	}
	defer resp.Body.Close()

	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading agent %s response: %w", ep.AgentID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent %s returned status %d", ep.AgentID, resp.StatusCode)
	}
	return result, nil
}

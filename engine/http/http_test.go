package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/orchcmd/orchcmd/engine"
	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/template"
	"github.com/orchcmd/orchcmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

// fakeEngine records control calls and serves canned instances.
type fakeEngine struct {
	instances map[string]*workflow.Instance
	calls     []string
}

func (f *fakeEngine) Submit(_ context.Context, def *workflow.Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	f.calls = append(f.calls, "submit "+def.ID)
	return "INST-NEW", nil
}

func (f *fakeEngine) control(op, instanceID string) error {
	if _, ok := f.instances[instanceID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, instanceID)
	}
	f.calls = append(f.calls, op+" "+instanceID)
	return nil
}

func (f *fakeEngine) Pause(_ context.Context, instanceID string) error {
	return f.control("pause", instanceID)
}

func (f *fakeEngine) Resume(_ context.Context, instanceID string) error {
	return f.control("resume", instanceID)
}

func (f *fakeEngine) Cancel(_ context.Context, instanceID string) error {
	if inst, ok := f.instances[instanceID]; ok && inst.Status.Terminal() {
		return fmt.Errorf("%w: %s", engine.ErrInstanceTerminal, instanceID)
	}
	return f.control("cancel", instanceID)
}

func (f *fakeEngine) Instance(_ context.Context, instanceID string) (*workflow.Instance, error) {
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, instanceID)
	}
	return inst, nil
}

func (f *fakeEngine) List(_ context.Context, statuses ...workflow.InstanceStatus) ([]string, error) {
	var ids []string
	for id, inst := range f.instances {
		if len(statuses) < 1 {
			ids = append(ids, id)
			continue
		}
		for _, status := range statuses {
			if inst.Status == status {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (f *fakeEngine) Delete(_ context.Context, instanceID string) error {
	return f.control("delete", instanceID)
}

func newTestMux(t *testing.T, e *fakeEngine) *flow.Mux {
	t.Helper()
	reg := template.NewRegistry()
	err := reg.Register(&template.Template{
		Name: "night-scan",
		Steps: []workflow.StepSpec{
			{ID: "scan", Domain: "network", Capability: "scan"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, e, reg)
	return mux
}

func newFakeEngine() *fakeEngine {
	def := &workflow.Definition{
		ID:    "night-scan-x",
		Steps: []workflow.StepSpec{{ID: "scan", Domain: "network", Capability: "scan"}},
	}
	running := workflow.NewInstance("INST-RUN", def, time.Now().UTC())
	running.Status = workflow.InstanceRunning
	done := workflow.NewInstance("INST-DONE", def, time.Now().UTC())
	done.Status = workflow.InstanceCompleted
	return &fakeEngine{instances: map[string]*workflow.Instance{
		"INST-RUN":  running,
		"INST-DONE": done,
	}}
}

func doRequest(mux *flow.Mux, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStartWorkflow(t *testing.T) {
	e := newFakeEngine()
	mux := newTestMux(t, e)

	rec := doRequest(mux, "POST", "/v1/workflow/night-scan/start", `{"params":{"subnet":"10.0.0.0/24"}}`)
	if have, want := rec.Code, http.StatusOK; have != want {
		t.Fatalf("status: have: %v, want: %v (%s)", have, want, rec.Body)
	}
	var resp struct {
		InstanceID   string `json:"instance_id"`
		DefinitionID string `json:"definition_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if have, want := resp.InstanceID, "INST-NEW"; have != want {
		t.Errorf("instance id: have: %v, want: %v", have, want)
	}
	if !strings.HasPrefix(resp.DefinitionID, "night-scan-") {
		t.Errorf("unexpected definition id: %s", resp.DefinitionID)
	}

	// unknown templates are a 404
	rec = doRequest(mux, "POST", "/v1/workflow/nope/start", "")
	if have, want := rec.Code, http.StatusNotFound; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
}

func TestListTemplates(t *testing.T) {
	mux := newTestMux(t, newFakeEngine())
	rec := doRequest(mux, "GET", "/v1/workflows", "")
	if have, want := rec.Code, http.StatusOK; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	var resp struct {
		Templates []string `json:"templates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Templates) != 1 || resp.Templates[0] != "night-scan" {
		t.Errorf("unexpected templates: %v", resp.Templates)
	}
}

func TestInstanceControl(t *testing.T) {
	e := newFakeEngine()
	mux := newTestMux(t, e)

	for _, op := range []string{"pause", "resume", "cancel"} {
		rec := doRequest(mux, "POST", "/v1/instance/INST-RUN/"+op, "")
		if have, want := rec.Code, http.StatusNoContent; have != want {
			t.Errorf("%s status: have: %v, want: %v (%s)", op, have, want, rec.Body)
		}
		rec = doRequest(mux, "POST", "/v1/instance/MISSING/"+op, "")
		if have, want := rec.Code, http.StatusNotFound; have != want {
			t.Errorf("%s status: have: %v, want: %v", op, have, want)
		}
	}

	// cancel of a terminal instance conflicts
	rec := doRequest(mux, "POST", "/v1/instance/INST-DONE/cancel", "")
	if have, want := rec.Code, http.StatusConflict; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
}

func TestGetInstance(t *testing.T) {
	mux := newTestMux(t, newFakeEngine())
	rec := doRequest(mux, "GET", "/v1/instance/INST-RUN", "")
	if have, want := rec.Code, http.StatusOK; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	var inst workflow.Instance
	if err := json.Unmarshal(rec.Body.Bytes(), &inst); err != nil {
		t.Fatal(err)
	}
	if have, want := inst.InstanceID, "INST-RUN"; have != want {
		t.Errorf("instance id: have: %v, want: %v", have, want)
	}
	if have, want := inst.Status, workflow.InstanceRunning; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}

	rec = doRequest(mux, "GET", "/v1/instance/MISSING", "")
	if have, want := rec.Code, http.StatusNotFound; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
}

func TestListInstances(t *testing.T) {
	mux := newTestMux(t, newFakeEngine())

	rec := doRequest(mux, "GET", "/v1/instances?status=RUNNING", "")
	if have, want := rec.Code, http.StatusOK; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	var resp struct {
		InstanceIDs []string `json:"instance_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.InstanceIDs) != 1 || resp.InstanceIDs[0] != "INST-RUN" {
		t.Errorf("unexpected instances: %v", resp.InstanceIDs)
	}

	rec = doRequest(mux, "GET", "/v1/instances?status=BOGUS", "")
	if have, want := rec.Code, http.StatusBadRequest; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
}

func TestDeleteInstance(t *testing.T) {
	e := newFakeEngine()
	mux := newTestMux(t, e)
	rec := doRequest(mux, "DELETE", "/v1/instance/INST-DONE", "")
	if have, want := rec.Code, http.StatusNoContent; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	found := false
	for _, call := range e.calls {
		if call == "delete INST-DONE" {
			found = true
		}
	}
	if !found {
		t.Error("delete call not recorded")
	}
}

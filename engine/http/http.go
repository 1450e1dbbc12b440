// Package http contains HTTP handlers that work with the orchcmd engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/orchcmd/orchcmd/engine"
	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/http/api"
	"github.com/orchcmd/orchcmd/logkeys"
	"github.com/orchcmd/orchcmd/template"
	"github.com/orchcmd/orchcmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrBadStatus = errors.New("invalid status filter")

// Instantiator creates runnable definitions from registered templates.
type Instantiator interface {
	Instantiate(name string, params map[string]string) (*workflow.Definition, error)
	Names() []string
}

// Submitter starts new workflow instances.
type Submitter interface {
	Submit(ctx context.Context, def *workflow.Definition) (string, error)
}

// Controller signals running instances.
type Controller interface {
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
	Cancel(ctx context.Context, instanceID string) error
}

// InstanceStore queries and removes instances.
type InstanceStore interface {
	Instance(ctx context.Context, instanceID string) (*workflow.Instance, error)
	List(ctx context.Context, statuses ...workflow.InstanceStatus) ([]string, error)
	Delete(ctx context.Context, instanceID string) error
}

// errStatusCode maps well-known engine errors onto HTTP status codes.
func errStatusCode(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, template.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInstanceTerminal), errors.Is(err, engine.ErrInstanceRunning):
		return http.StatusConflict
	}
	return 0
}

// StartWorkflowHandler creates a HandlerFunc that instantiates the
// named template and submits it. An optional JSON body of the shape
// {"params": {"key": "value"}} customizes step parameters.
func StartWorkflowHandler(reg Instantiator, submitter Submitter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		name := flow.Param(r.Context(), "name")
		logger = logger.With("template", name)

		var body struct {
			Params map[string]string `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			logger.Info(logkeys.Message, "decoding request body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		def, err := reg.Instantiate(name, body.Params)
		if err != nil {
			logger.Info(logkeys.Message, "instantiating template", logkeys.Error, err)
			api.JSONError(w, err, errStatusCode(err))
			return
		}

		instanceID, err := submitter.Submit(r.Context(), def)
		if err != nil {
			logger.Info(logkeys.Message, "submitting workflow", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		logger.Debug(
			logkeys.Message, "submitted workflow",
			logkeys.InstanceID, instanceID,
			logkeys.DefinitionID, def.ID,
		)
		jsonResp := &struct {
			InstanceID   string `json:"instance_id"`
			DefinitionID string `json:"definition_id"`
		}{InstanceID: instanceID, DefinitionID: def.ID}
		if err = api.JSON(w, jsonResp, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListTemplatesHandler creates a HandlerFunc listing template names.
func ListTemplatesHandler(reg Instantiator, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		jsonResp := &struct {
			Templates []string `json:"templates"`
		}{Templates: reg.Names()}
		if err := api.JSON(w, jsonResp, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// controlHandler wraps one engine control operation in a HandlerFunc.
func controlHandler(op func(ctx context.Context, instanceID string) error, opName string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		instanceID := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.InstanceID, instanceID)

		if err := op(r.Context(), instanceID); err != nil {
			logger.Info(logkeys.Message, opName, logkeys.Error, err)
			api.JSONError(w, err, errStatusCode(err))
			return
		}
		logger.Debug(logkeys.Message, opName)
		w.WriteHeader(http.StatusNoContent)
	}
}

// PauseInstanceHandler creates a HandlerFunc that pauses an instance.
func PauseInstanceHandler(c Controller, logger log.Logger) http.HandlerFunc {
	return controlHandler(c.Pause, "pausing instance", logger)
}

// ResumeInstanceHandler creates a HandlerFunc that resumes an instance.
func ResumeInstanceHandler(c Controller, logger log.Logger) http.HandlerFunc {
	return controlHandler(c.Resume, "resuming instance", logger)
}

// CancelInstanceHandler creates a HandlerFunc that cancels an instance.
func CancelInstanceHandler(c Controller, logger log.Logger) http.HandlerFunc {
	return controlHandler(c.Cancel, "cancelling instance", logger)
}

// GetInstanceHandler creates a HandlerFunc returning the full instance.
func GetInstanceHandler(s InstanceStore, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		instanceID := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.InstanceID, instanceID)

		inst, err := s.Instance(r.Context(), instanceID)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving instance", logkeys.Error, err)
			api.JSONError(w, err, errStatusCode(err))
			return
		}
		if err = api.JSON(w, inst, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListInstancesHandler creates a HandlerFunc listing instance IDs.
// Repeatable "status" query parameters filter by instance status.
func ListInstancesHandler(s InstanceStore, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		var statuses []workflow.InstanceStatus
		for _, v := range r.URL.Query()["status"] {
			status := workflow.InstanceStatusForString(v)
			if !status.Valid() {
				logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrBadStatus, logkeys.Status, v)
				api.JSONError(w, ErrBadStatus, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}

		ids, err := s.List(r.Context(), statuses...)
		if err != nil {
			logger.Info(logkeys.Message, "listing instances", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		jsonResp := &struct {
			InstanceIDs []string `json:"instance_ids"`
		}{InstanceIDs: ids}
		if err = api.JSON(w, jsonResp, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// DeleteInstanceHandler creates a HandlerFunc that removes an
// instance's checkpoints.
func DeleteInstanceHandler(s InstanceStore, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		instanceID := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.InstanceID, instanceID)

		if err := s.Delete(r.Context(), instanceID); err != nil {
			logger.Info(logkeys.Message, "deleting instance", logkeys.Error, err)
			api.JSONError(w, err, errStatusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "deleted instance")
		w.WriteHeader(http.StatusNoContent)
	}
}

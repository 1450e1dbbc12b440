package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

// APIEngine is the engine surface the v1 API needs.
type APIEngine interface {
	Submitter
	Controller
	InstanceStore
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine, reg Instantiator) {
	// templates

	mux.Handle(
		prefix+"/workflows",
		ListTemplatesHandler(reg, logger.With("handler", "list templates")),
		"GET",
	)
	mux.Handle(
		prefix+"/workflow/:name/start",
		StartWorkflowHandler(reg, e, logger.With("handler", "start workflow")),
		"POST",
	)

	// instance control

	mux.Handle(
		prefix+"/instance/:id/pause",
		PauseInstanceHandler(e, logger.With("handler", "pause instance")),
		"POST",
	)
	mux.Handle(
		prefix+"/instance/:id/resume",
		ResumeInstanceHandler(e, logger.With("handler", "resume instance")),
		"POST",
	)
	mux.Handle(
		prefix+"/instance/:id/cancel",
		CancelInstanceHandler(e, logger.With("handler", "cancel instance")),
		"POST",
	)

	// instance queries and retention

	mux.Handle(
		prefix+"/instance/:id",
		GetInstanceHandler(e, logger.With("handler", "get instance")),
		"GET",
	)
	mux.Handle(
		prefix+"/instance/:id",
		DeleteInstanceHandler(e, logger.With("handler", "delete instance")),
		"DELETE",
	)
	mux.Handle(
		prefix+"/instances",
		ListInstancesHandler(e, logger.With("handler", "list instances")),
		"GET",
	)
}

package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *WorkflowsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/entities/{entityType}/{entityId}/workflow", c.handleEntityEligible)
	mux.HandleFunc("POST /api/assignments/{id}/action", c.handleAssignmentAction)
	mux.HandleFunc("POST /api/assignments/{id}/reassign", c.handleReassign)
	mux.HandleFunc("GET /api/assignments/overdue", c.handleOverdue)
	mux.HandleFunc("GET /api/assignments/unassigned", c.handleUnassigned)
	mux.HandleFunc("GET /api/users/{id}/assignments", c.handleUserAssignments)
	mux.HandleFunc("GET /api/instances/stalled", c.handleStalled)
	mux.HandleFunc("GET /api/instances/{id}", c.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/timeline", c.handleTimeline)
	mux.HandleFunc("POST /api/instances/{id}/cancel", c.handleCancel)
	mux.HandleFunc("POST /api/instances/{id}/metadata", c.handleUpdateMetadata)
}

func (c *DefinitionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/definitions/validate", c.handleValidate)
	mux.HandleFunc("POST /api/definitions", c.handlePublish)
	mux.HandleFunc("GET /api/definitions", c.handleList)
	mux.HandleFunc("POST /api/definitions/{id}/deactivate", c.handleDeactivate)
	mux.HandleFunc("GET /api/definitions/{id}/analytics", c.handleAnalytics)
	mux.HandleFunc("GET /api/templates", c.handleTemplates)
	mux.HandleFunc("POST /api/templates/{id}/instantiate", c.handleInstantiate)
}

func (c *QueuesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/queues/{name}/status", c.handleQueueStatus)
	mux.HandleFunc("GET /api/executors", c.handleGetExecutors)
}

func (c *SyncController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync/{configId}/run", c.handleRun)
}

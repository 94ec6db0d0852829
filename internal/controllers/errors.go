package controllers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arelbir/quado-lite-sub003/internal/engine"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/internal/jobs"
	"github.com/arelbir/quado-lite-sub003/internal/util"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/models"
)

// HeaderUserID names the acting user. Callers are trusted application code.
const HeaderUserID = "X-User-Id"

func actorID(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// writeError maps errors of the engine and the job families onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var structural *engine.StructuralError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &structural):
		util.WriteJSONResponse(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: err.Error(), Validation: &structural.Result})
		return
	case errors.Is(err, engine.ErrDefinitionNotFound), errors.Is(err, engine.ErrInstanceNotFound),
		errors.Is(err, engine.ErrAssignmentNotFound), errors.Is(err, graph.ErrTemplateNotFound),
		errors.Is(err, jobs.ErrSyncConfigNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInstanceNotActive), errors.Is(err, engine.ErrAssignmentNotPending),
		errors.Is(err, engine.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidAction), errors.Is(err, engine.ErrInvalidDefinition),
		errors.Is(err, jobs.ErrUnknownSourceType), errors.Is(err, graph.ErrDanglingReference):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrUnqueueable):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		util.WriteJSONResponse(w, status, models.ErrorResponse{Error: "internal error"})
		return
	}
	util.WriteJSONResponse(w, status, models.ErrorResponse{Error: err.Error()})
}

package controllers

import (
	"context"
	"io"
	"mime"
	"net/http"

	"github.com/arelbir/quado-lite-sub003/internal/util"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type SyncRunner interface {
	Enqueue(ctx context.Context, configID, triggeredBy int64) (*domain.SyncLog, error)
	RunUpload(ctx context.Context, configID, triggeredBy int64, input io.Reader) (*domain.SyncLog, error)
}

type SyncController struct {
	Sync SyncRunner
}

func NewSyncController(s SyncRunner) *SyncController {
	return &SyncController{Sync: s}
}

const maxUploadBytes = 10 << 20

// handleRun queues the sync of a config. A request carrying a CSV file, either as the body or as
// the multipart field "file", runs the import right away instead.
func (c *SyncController) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "configId")
	if !ok {
		http.Error(w, "invalid configId", http.StatusBadRequest)
		return
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			http.Error(w, "invalid multipart payload", http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file is required", http.StatusBadRequest)
			return
		}
		defer file.Close()
		c.runUpload(w, r, id, file)
	case "text/csv":
		c.runUpload(w, r, id, http.MaxBytesReader(w, r.Body, maxUploadBytes))
	default:
		log, err := c.Sync.Enqueue(r.Context(), id, actorID(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		util.WriteJSONResponse(w, http.StatusAccepted, log)
	}
}

func (c *SyncController) runUpload(w http.ResponseWriter, r *http.Request, id int64, input io.Reader) {
	log, err := c.Sync.RunUpload(r.Context(), id, actorID(r), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, log)
}

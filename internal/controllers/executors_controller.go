package controllers

import (
	"context"
	"net/http"

	"github.com/arelbir/quado-lite-sub003/internal/queue"
	"github.com/arelbir/quado-lite-sub003/internal/util"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type ExecutorRepo interface {
	GetExecutorsByLastActive(ctx context.Context, limit int) ([]*domain.Executor, error)
}

type QueueStatusReader interface {
	GetQueueStatus(ctx context.Context) (queue.Status, error)
}

// QueuesController reports on the background queues and the worker processes serving them.
type QueuesController struct {
	Queues        map[string]QueueStatusReader
	ExecutorsRepo ExecutorRepo
}

func NewQueuesController(queues map[string]QueueStatusReader, executors ExecutorRepo) *QueuesController {
	return &QueuesController{Queues: queues, ExecutorsRepo: executors}
}

func (c *QueuesController) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	q, ok := c.Queues[r.PathValue("name")]
	if !ok {
		http.Error(w, "queue not found", http.StatusNotFound)
		return
	}
	status, err := q.GetQueueStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, status)
}

func (c *QueuesController) handleGetExecutors(w http.ResponseWriter, r *http.Request) {
	results, err := c.ExecutorsRepo.GetExecutorsByLastActive(r.Context(), 20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, emptyIfNil(results))
}

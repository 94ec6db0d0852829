package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arelbir/quado-lite-sub003/internal/engine"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/internal/util"
	"github.com/arelbir/quado-lite-sub003/internal/validator"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/models"
)

type DefinitionService interface {
	ValidateDefinition(g graph.Graph) validator.Result
	PublishDefinition(ctx context.Context, def *domain.WorkflowDefinition) (validator.Result, error)
	ListDefinitions(ctx context.Context) ([]domain.WorkflowDefinition, error)
	DeactivateDefinition(ctx context.Context, id int64) error
	Analytics(ctx context.Context, definitionID int64) (*engine.Analytics, error)
}

type TemplateCatalog interface {
	Categories() []string
	Fragments(category string) []graph.Template
	Workflows(category string) []graph.Template
	Template(id string) (graph.Template, error)
}

type DefinitionsController struct {
	Definitions DefinitionService
	Catalog     TemplateCatalog
}

func NewDefinitionsController(definitions DefinitionService, catalog TemplateCatalog) *DefinitionsController {
	return &DefinitionsController{Definitions: definitions, Catalog: catalog}
}

func (c *DefinitionsController) handleValidate(w http.ResponseWriter, r *http.Request) {
	g, err := util.DecodeJSONBody[graph.Graph](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, c.Definitions.ValidateDefinition(g))
}

func (c *DefinitionsController) handlePublish(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.PublishDefinitionRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	def := &domain.WorkflowDefinition{
		Name:        req.Name,
		Description: req.Description,
		EntityType:  req.EntityType,
		Graph:       req.Graph,
	}
	result, err := c.Definitions.PublishDefinition(r.Context(), def)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "Definition published over API", "definition_id", def.ID, "actor_id", actorID(r))
	util.WriteJSONResponse(w, http.StatusCreated, models.PublishDefinitionResponse{Definition: def, Validation: result})
}

func (c *DefinitionsController) handleList(w http.ResponseWriter, r *http.Request) {
	defs, err := c.Definitions.ListDefinitions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, emptyIfNil(defs))
}

func (c *DefinitionsController) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := c.Definitions.DeactivateDefinition(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *DefinitionsController) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	analytics, err := c.Definitions.Analytics(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, analytics)
}

func (c *DefinitionsController) handleTemplates(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	util.WriteJSONResponse(w, http.StatusOK, models.TemplatesResponse{
		Categories: emptyIfNil(c.Catalog.Categories()),
		Fragments:  emptyIfNil(c.Catalog.Fragments(category)),
		Workflows:  emptyIfNil(c.Catalog.Workflows(category)),
	})
}

func (c *DefinitionsController) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	t, err := c.Catalog.Template(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := util.DecodeOptionalJSONBody[models.InstantiateTemplateRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	g, err := graph.Instantiate(t, req.Offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, g)
}

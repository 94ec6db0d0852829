package graph

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

const (
	CategoryBasic       = "basic"
	CategoryApproval    = "approval"
	CategoryReview      = "review"
	CategoryConditional = "conditional"
)

const (
	KindFragment = "fragment"
	KindWorkflow = "workflow"
)

var ErrTemplateNotFound = errors.New("template not found")
var ErrDanglingReference = errors.New("edge references a node outside the template")

// Template is either a reusable fragment (a few nodes dropped into an editor) or a full
// starter graph.
type Template struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Category    string `json:"category" yaml:"category"`
	Kind        string `json:"kind" yaml:"kind"`
	Description string `json:"description" yaml:"description"`
	Graph       Graph  `json:"graph" yaml:",inline"`
}

type catalogFile struct {
	Fragments []Template `yaml:"fragments"`
	Workflows []Template `yaml:"workflows"`
}

// Catalog is read-only after construction.
type Catalog struct {
	templates []Template
	byID      map[string]Template
}

// LoadCatalog reads the embedded template files.
func LoadCatalog() (*Catalog, error) {
	return LoadCatalogFS(templateFS, "templates")
}

func LoadCatalogFS(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	c := &Catalog{byID: make(map[string]Template)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read template file %s: %w", entry.Name(), err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse template file %s: %w", entry.Name(), err)
		}
		for _, t := range file.Fragments {
			t.Kind = KindFragment
			if err := c.add(t); err != nil {
				return nil, err
			}
		}
		for _, t := range file.Workflows {
			t.Kind = KindWorkflow
			if err := c.add(t); err != nil {
				return nil, err
			}
		}
	}
	sort.SliceStable(c.templates, func(i, j int) bool {
		if c.templates[i].Category != c.templates[j].Category {
			return c.templates[i].Category < c.templates[j].Category
		}
		return c.templates[i].ID < c.templates[j].ID
	})
	return c, nil
}

func (c *Catalog) add(t Template) error {
	if t.ID == "" {
		return fmt.Errorf("template %q has no id", t.Name)
	}
	if _, dup := c.byID[t.ID]; dup {
		return fmt.Errorf("duplicate template id %s", t.ID)
	}
	c.byID[t.ID] = t
	c.templates = append(c.templates, t)
	return nil
}

func (c *Catalog) Template(id string) (Template, error) {
	t, ok := c.byID[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// Fragments lists fragments of the category, or all of them for an empty category.
func (c *Catalog) Fragments(category string) []Template {
	return c.filter(KindFragment, category)
}

// Workflows lists full starter graphs of the category, or all of them for an empty category.
func (c *Catalog) Workflows(category string) []Template {
	return c.filter(KindWorkflow, category)
}

func (c *Catalog) Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range c.templates {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) filter(kind, category string) []Template {
	var out []Template
	for _, t := range c.templates {
		if t.Kind == kind && (category == "" || t.Category == category) {
			out = append(out, t)
		}
	}
	return out
}

// Instantiate copies the template graph giving every node and edge a fresh id and remapping all
// edge endpoints. The offset is added to every node position.
func Instantiate(t Template, offset Position) (Graph, error) {
	return instantiate(t, offset, uuid.NewString)
}

func instantiate(t Template, offset Position, newID func() string) (Graph, error) {
	ids := make(map[string]string, len(t.Graph.Nodes))
	out := Graph{
		Nodes: make([]Node, 0, len(t.Graph.Nodes)),
		Edges: make([]Edge, 0, len(t.Graph.Edges)),
	}
	for _, n := range t.Graph.Nodes {
		fresh := string(n.Type) + "-" + newID()
		ids[n.ID] = fresh
		n.ID = fresh
		n.Position = Position{X: n.Position.X + offset.X, Y: n.Position.Y + offset.Y}
		n.Data.Approvers = append([]Approver(nil), n.Data.Approvers...)
		out.Nodes = append(out.Nodes, n)
	}
	for _, e := range t.Graph.Edges {
		src, okSrc := ids[e.Source]
		dst, okDst := ids[e.Target]
		if !okSrc || !okDst {
			return Graph{}, fmt.Errorf("%w: template %s edge %s (%s -> %s)", ErrDanglingReference, t.ID, e.ID, e.Source, e.Target)
		}
		e.ID = "edge-" + newID()
		e.Source = src
		e.Target = dst
		out.Edges = append(out.Edges, e)
	}
	return out, nil
}

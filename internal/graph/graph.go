// Package graph holds the workflow definition graph: typed nodes, edges between them and the
// catalog of reusable templates. Everything here is plain data; nothing performs I/O.
package graph

import (
	"strings"
)

type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeProcess  NodeType = "process"
	NodeEnd      NodeType = "end"
	NodeDecision NodeType = "decision"
	NodeApproval NodeType = "approval"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeProcess, NodeEnd, NodeDecision, NodeApproval:
		return true
	}
	return false
}

// Actionable nodes create step assignments when entered.
func (t NodeType) Actionable() bool {
	return t == NodeProcess || t == NodeApproval
}

type ApprovalType string

const (
	ApprovalAll ApprovalType = "ALL"
	ApprovalAny ApprovalType = "ANY"
)

type AssignmentType string

const (
	AssignToRole AssignmentType = "role"
	AssignToUser AssignmentType = "user"
)

type EdgeKind string

const (
	EdgeNormal EdgeKind = ""
	EdgeReject EdgeKind = "reject"
)

type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Approver is one named participant of an approval node.
type Approver struct {
	Type   AssignmentType `json:"type" yaml:"type"`
	Role   string         `json:"role,omitempty" yaml:"role,omitempty"`
	UserID int64          `json:"userId,omitempty" yaml:"userId,omitempty"`
}

type NodeData struct {
	Label          string         `json:"label,omitempty" yaml:"label,omitempty"`
	AssignmentType AssignmentType `json:"assignmentType,omitempty" yaml:"assignmentType,omitempty"`
	Role           string         `json:"role,omitempty" yaml:"role,omitempty"`
	UserID         int64          `json:"userId,omitempty" yaml:"userId,omitempty"`
	Strategy       string         `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	DeadlineHours  int            `json:"deadlineHours,omitempty" yaml:"deadlineHours,omitempty"`
	Condition      string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Approvers      []Approver     `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	ApprovalType   ApprovalType   `json:"approvalType,omitempty" yaml:"approvalType,omitempty"`
}

type Node struct {
	ID       string   `json:"id" yaml:"id"`
	Type     NodeType `json:"type" yaml:"type"`
	Data     NodeData `json:"data" yaml:"data"`
	Position Position `json:"position" yaml:"position"`
}

type Edge struct {
	ID        string   `json:"id" yaml:"id"`
	Source    string   `json:"source" yaml:"source"`
	Target    string   `json:"target" yaml:"target"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Kind      EdgeKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// IsDefault marks the fallback branch of a decision node.
func (e Edge) IsDefault() bool {
	c := strings.ToLower(strings.TrimSpace(e.Condition))
	return c == "else" || c == "default"
}

// BranchLiteral reports whether the condition is the literal "true" or "false", i.e. a branch of
// the node level condition rather than an expression of its own.
func (e Edge) BranchLiteral() (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(e.Condition)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

func (e Edge) IsReject() bool { return e.Kind == EdgeReject }

type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving the node in declaration order.
func (g Graph) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Forward returns the outgoing edges that are not reject routes.
func (g Graph) Forward(id string) []Edge {
	var out []Edge
	for _, e := range g.Outgoing(id) {
		if !e.IsReject() {
			out = append(out, e)
		}
	}
	return out
}

func (g Graph) RejectEdge(id string) (Edge, bool) {
	for _, e := range g.Outgoing(id) {
		if e.IsReject() {
			return e, true
		}
	}
	return Edge{}, false
}

func (g Graph) StartNodes() []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			out = append(out, n)
		}
	}
	return out
}

// Adjacency maps every node id to the targets of its outgoing edges.
func (g Graph) Adjacency() map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		adj[n.ID] = nil
	}
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

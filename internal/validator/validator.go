// Package validator checks a candidate workflow graph before it is saved or published.
//
// Validate never fails: every problem found is reported as an Issue so that an editor can show
// all of them at once. Errors block publishing, warnings flag risk, info is for visibility only.
package validator

import (
	"fmt"
	"strings"

	"github.com/arelbir/quado-lite-sub003/internal/condition"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
)

const (
	CodeNoStart               = "NO_START"
	CodeMultipleStart         = "MULTIPLE_START"
	CodeDuplicateNode         = "DUPLICATE_NODE_ID"
	CodeUnknownNodeType       = "UNKNOWN_NODE_TYPE"
	CodeDanglingEdge          = "DANGLING_EDGE"
	CodeUnreachable           = "UNREACHABLE_NODE"
	CodeDeadEnd               = "DEAD_END"
	CodeDecisionNoConditions  = "DECISION_NO_CONDITIONS"
	CodeDecisionNotExhaustive = "DECISION_NOT_EXHAUSTIVE"
	CodeBranchWithoutCond     = "DECISION_BRANCH_WITHOUT_CONDITION"
	CodeInvalidCondition      = "INVALID_CONDITION"
	CodeNoApprovers           = "APPROVAL_NO_APPROVERS"
	CodeInvalidApprover       = "APPROVAL_INVALID_APPROVER"

	CodeMissingDeadline   = "PROCESS_NO_DEADLINE"
	CodeSingleApproverAll = "APPROVAL_SINGLE_ALL"
	CodeCannotReachEnd    = "CANNOT_REACH_END"
	CodeNoEnd             = "NO_END"
	CodeMultipleForward   = "MULTIPLE_FORWARD_EDGES"
	CodeMissingAssignee   = "PROCESS_NO_ASSIGNEE"
	CodeEndHasOutgoing    = "END_HAS_OUTGOING"
	CodeMultipleDefaults  = "DECISION_MULTIPLE_DEFAULTS"

	CodeStatistics = "STATISTICS"
	CodeCycle      = "CYCLE"
)

type Issue struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	NodeID     string `json:"nodeId,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

type Result struct {
	IsValid  bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
	Info     []Issue `json:"info"`
}

func (r *Result) errorf(code, nodeID, suggestion, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Code: code, NodeID: nodeID, Suggestion: suggestion, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(code, nodeID, suggestion, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, NodeID: nodeID, Suggestion: suggestion, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) infof(code, nodeID, format string, args ...any) {
	r.Info = append(r.Info, Issue{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

// Summary joins the error messages into a single line.
func (r Result) Summary() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validate inspects the graph and reports every issue found. It does not modify g.
func Validate(g graph.Graph) Result {
	r := Result{Errors: []Issue{}, Warnings: []Issue{}, Info: []Issue{}}

	known := checkNodes(g, &r)
	checkEdges(g, known, &r)

	starts := g.StartNodes()
	switch {
	case len(starts) == 0:
		r.errorf(CodeNoStart, "", "Add a start node", "Workflow has no start node")
	case len(starts) > 1:
		for _, s := range starts[1:] {
			r.errorf(CodeMultipleStart, s.ID, "Keep a single start node", "Workflow has %d start nodes, only one is allowed", len(starts))
		}
	default:
		checkReachability(g, starts[0].ID, &r)
	}

	for _, n := range g.Nodes {
		out := g.Outgoing(n.ID)
		if n.Type != graph.NodeEnd && len(g.Forward(n.ID)) == 0 {
			if len(out) == 0 {
				r.errorf(CodeDeadEnd, n.ID, "Connect this node to the next step or to an end node", "Node %q has no outgoing edges", label(n))
			} else {
				r.errorf(CodeDeadEnd, n.ID, "Add a normal edge for the approved path", "Node %q only has reject edges, approving it leads nowhere", label(n))
			}
		}
		switch n.Type {
		case graph.NodeEnd:
			if len(out) > 0 {
				r.warnf(CodeEndHasOutgoing, n.ID, "Remove the edges leaving the end node", "End node %q has outgoing edges that are never followed", label(n))
			}
		case graph.NodeDecision:
			checkDecision(g, n, &r)
		case graph.NodeApproval:
			checkApproval(n, &r)
			checkSingleForward(g, n, &r)
		case graph.NodeProcess:
			if n.Data.DeadlineHours <= 0 {
				r.warnf(CodeMissingDeadline, n.ID, "Set a deadline so overdue work can be escalated", "Process node %q has no deadline", label(n))
			}
			if n.Data.Role == "" && n.Data.UserID == 0 {
				r.warnf(CodeMissingAssignee, n.ID, "Assign a role or a user", "Process node %q has no assignee, its steps will need manual assignment", label(n))
			}
			checkSingleForward(g, n, &r)
		case graph.NodeStart:
			checkSingleForward(g, n, &r)
		}
	}

	checkEndReachability(g, &r)
	reportCycles(g, &r)
	r.infof(CodeStatistics, "", "%d nodes, %d edges", len(g.Nodes), len(g.Edges))

	r.IsValid = len(r.Errors) == 0
	return r
}

func label(n graph.Node) string {
	if n.Data.Label != "" {
		return n.Data.Label
	}
	return n.ID
}

func checkNodes(g graph.Graph, r *Result) map[string]bool {
	known := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if known[n.ID] {
			r.errorf(CodeDuplicateNode, n.ID, "Give every node a unique id", "Node id %q is used more than once", n.ID)
		}
		known[n.ID] = true
		if !n.Type.Valid() {
			r.errorf(CodeUnknownNodeType, n.ID, "Use start, process, decision, approval or end", "Node %q has unknown type %q", label(n), n.Type)
		}
	}
	return known
}

func checkEdges(g graph.Graph, known map[string]bool, r *Result) {
	for _, e := range g.Edges {
		if !known[e.Source] || !known[e.Target] {
			r.errorf(CodeDanglingEdge, e.Source, "Remove the edge or reconnect it", "Edge %q connects unknown nodes %q -> %q", e.ID, e.Source, e.Target)
		}
	}
}

func checkReachability(g graph.Graph, start string, r *Result) {
	seen := walk(g.Adjacency(), start)
	for _, n := range g.Nodes {
		if !seen[n.ID] {
			r.errorf(CodeUnreachable, n.ID, "Connect the node to the flow or delete it", "Node %q cannot be reached from the start node", label(n))
		}
	}
}

func walk(adj map[string][]string, from string) map[string]bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

func checkDecision(g graph.Graph, n graph.Node, r *Result) {
	out := g.Forward(n.ID)
	if len(out) == 0 {
		return
	}
	conditioned, defaults := 0, 0
	hasTrue, hasFalse := false, false
	for _, e := range out {
		if strings.TrimSpace(e.Condition) == "" {
			continue
		}
		conditioned++
		if e.IsDefault() {
			defaults++
			continue
		}
		if v, ok := e.BranchLiteral(); ok {
			if strings.TrimSpace(n.Data.Condition) == "" {
				r.errorf(CodeBranchWithoutCond, n.ID, "Set the decision condition or write an expression on the edge", "Edge %q is a %t branch but decision %q has no condition", e.ID, v, label(n))
			}
			if v {
				hasTrue = true
			} else {
				hasFalse = true
			}
			continue
		}
		if err := condition.Check(e.Condition); err != nil {
			r.errorf(CodeInvalidCondition, n.ID, "Fix the expression syntax", "Condition %q on edge %q is invalid: %v", e.Condition, e.ID, err)
		}
	}
	if c := strings.TrimSpace(n.Data.Condition); c != "" {
		if err := condition.Check(c); err != nil {
			r.errorf(CodeInvalidCondition, n.ID, "Fix the expression syntax", "Condition %q on decision %q is invalid: %v", c, label(n), err)
		}
	}

	if conditioned == 0 {
		r.errorf(CodeDecisionNoConditions, n.ID, "Add a condition to each outgoing edge", "Decision %q has no conditions on its outgoing edges", label(n))
		return
	}
	if defaults > 1 {
		r.warnf(CodeMultipleDefaults, n.ID, "Keep a single else edge", "Decision %q has %d default edges, only the first is used", label(n), defaults)
	}
	if defaults == 0 && !(hasTrue && hasFalse) {
		r.errorf(CodeDecisionNotExhaustive, n.ID, "Add an edge with condition 'else' as fallback", "Decision %q does not cover every case", label(n))
	}
}

func checkApproval(n graph.Node, r *Result) {
	if len(n.Data.Approvers) == 0 {
		r.errorf(CodeNoApprovers, n.ID, "Add at least one approver", "Approval node %q has no approvers", label(n))
		return
	}
	for i, a := range n.Data.Approvers {
		if a.Role == "" && a.UserID == 0 {
			r.errorf(CodeInvalidApprover, n.ID, "Pick a role or a user for the approver", "Approver %d of %q has neither a role nor a user", i+1, label(n))
		}
	}
	if len(n.Data.Approvers) == 1 && n.Data.ApprovalType == graph.ApprovalAll {
		r.warnf(CodeSingleApproverAll, n.ID, "Use ANY or add more approvers", "Approval node %q requires ALL of a single approver, which behaves like ANY", label(n))
	}
}

func checkSingleForward(g graph.Graph, n graph.Node, r *Result) {
	if fwd := g.Forward(n.ID); len(fwd) > 1 {
		r.warnf(CodeMultipleForward, n.ID, "Use a decision node to branch", "Node %q has %d outgoing edges, only the first one is followed", label(n), len(fwd))
	}
}

// checkEndReachability flags nodes from which no end node can be reached.
func checkEndReachability(g graph.Graph, r *Result) {
	reverse := make(map[string][]string, len(g.Nodes))
	var ends []string
	for _, n := range g.Nodes {
		if n.Type == graph.NodeEnd {
			ends = append(ends, n.ID)
		}
	}
	if len(ends) == 0 {
		r.warnf(CodeNoEnd, "", "Add an end node", "Workflow has no end node, instances can never complete")
		return
	}
	for _, e := range g.Edges {
		reverse[e.Target] = append(reverse[e.Target], e.Source)
	}
	reaches := map[string]bool{}
	for _, end := range ends {
		for id := range walk(reverse, end) {
			reaches[id] = true
		}
	}
	for _, n := range g.Nodes {
		if !reaches[n.ID] {
			r.warnf(CodeCannotReachEnd, n.ID, "Connect this part of the graph to an end node", "Node %q is not connected to any end node", label(n))
		}
	}
}

// reportCycles runs a depth first search and reports the target of every back edge.
func reportCycles(g graph.Graph, r *Result) {
	const (
		white = iota
		grey
		black
	)
	adj := g.Adjacency()
	color := make(map[string]int, len(g.Nodes))
	reported := map[string]bool{}

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, next := range adj[id] {
			switch color[next] {
			case white:
				if _, ok := adj[next]; ok {
					visit(next)
				}
			case grey:
				if !reported[next] {
					reported[next] = true
					r.infof(CodeCycle, next, "Cycle detected through node %q", next)
				}
			}
		}
		color[id] = black
	}
	for _, n := range g.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}
}

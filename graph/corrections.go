package graph

import (
	"reflect"
)

// CorrectionContext is what a rule sees while a batch is being corrected.
// View is a scratch copy of the destination graph with every accepted
// update so far already applied.
type CorrectionContext struct {
	View                   *Graph
	FromDifferentChangeSet bool
	// Remaining holds the not-yet-corrected tail of the batch.
	Remaining []Update
}

// CorrectionRule keeps, drops or rewrites a single update. Returning nil
// drops it.
type CorrectionRule interface {
	Name() string
	Correct(c *CorrectionContext, u Update) []Update
}

// CorrectionAction records what a rule did to an update.
type CorrectionAction string

const (
	ActionDropped   CorrectionAction = "dropped"
	ActionRewritten CorrectionAction = "rewritten"
)

// CorrectionReport describes one intervention.
type CorrectionReport struct {
	Rule   string           `json:"rule"`
	Action CorrectionAction `json:"action"`
	Update Update           `json:"update"`
	Reason string           `json:"reason,omitempty"`
}

// CorrectionPolicy runs rules over an update batch against the current
// state of a graph. The result, applied in order, never produces a
// structurally invalid graph.
type CorrectionPolicy struct {
	Rules []CorrectionRule
}

// DefaultCorrectionPolicy returns the built-in rule set.
func DefaultCorrectionPolicy() *CorrectionPolicy {
	return &CorrectionPolicy{Rules: []CorrectionRule{
		ProtectRoot{},
		DropStaleReplacements{},
		DropDanglingEdges{},
		DropCycles{},
		KeepViewsWithComponents{},
	}}
}

// Correct returns the corrected batch together with a report of every
// update a rule dropped or rewrote. current is not modified.
func (p *CorrectionPolicy) Correct(current *Graph, updates []Update, fromDifferent bool) ([]Update, []CorrectionReport) {
	c := &CorrectionContext{View: current.Clone(), FromDifferentChangeSet: fromDifferent}
	var out []Update
	var reports []CorrectionReport
	affected := make(map[ID]bool)

	for i, u := range updates {
		c.Remaining = updates[i+1:]
		if err := u.Validate(); err != nil {
			reports = append(reports, CorrectionReport{Rule: "validate", Action: ActionDropped, Update: u, Reason: err.Error()})
			continue
		}

		candidates := []Update{u}
		for _, rule := range p.Rules {
			var next []Update
			for _, cand := range candidates {
				res := rule.Correct(c, cand)
				switch {
				case len(res) == 0:
					reports = append(reports, CorrectionReport{Rule: rule.Name(), Action: ActionDropped, Update: cand})
				case len(res) != 1 || !reflect.DeepEqual(res[0], cand):
					reports = append(reports, CorrectionReport{Rule: rule.Name(), Action: ActionRewritten, Update: cand})
				}
				next = append(next, res...)
			}
			candidates = next
		}

		for _, cand := range candidates {
			if err := c.View.performOne(cand, affected); err != nil {
				reports = append(reports, CorrectionReport{Rule: "simulate", Action: ActionDropped, Update: cand, Reason: err.Error()})
				continue
			}
			out = append(out, cand)
		}
	}
	return out, reports
}

// ProtectRoot drops updates that would remove the root, introduce a second
// root, or change the root's kind.
type ProtectRoot struct{}

func (ProtectRoot) Name() string { return "protect_root" }

func (ProtectRoot) Correct(c *CorrectionContext, u Update) []Update {
	root := c.View.Root()
	switch u.Kind {
	case UpdateRemoveNode:
		if u.ID == root {
			return nil
		}
	case UpdateNewNode:
		if (u.Node.Kind == KindRoot) != (u.Node.ID == root) {
			return nil
		}
	case UpdateReplaceNode:
		if (u.Node.Kind == KindRoot) != (u.ID == root) {
			return nil
		}
	}
	return []Update{u}
}

// DropStaleReplacements drops edits of nodes that no longer exist here, so a
// removal on this side wins over an edit from the other side. Replacements
// that would re-key onto an ID already in use are dropped too.
type DropStaleReplacements struct{}

func (DropStaleReplacements) Name() string { return "drop_stale_replacements" }

func (DropStaleReplacements) Correct(c *CorrectionContext, u Update) []Update {
	switch u.Kind {
	case UpdateReplaceNode:
		if !c.View.HasNode(u.ID) {
			return nil
		}
		if u.Node.ID != u.ID {
			if _, taken := c.View.nodes[u.Node.ID]; taken {
				return nil
			}
		}
		if cur := c.View.nodes[u.ID]; cur.Kind != u.Node.Kind && (cur.Kind == KindOrdering || u.Node.Kind == KindOrdering) {
			return nil
		}
	case UpdateReorderChildren:
		if !c.View.HasNode(u.ID) {
			return nil
		}
		if _, ok := c.View.OrderingNode(u.ID); !ok {
			return nil
		}
	case UpdateNewNode:
		if !u.Node.Kind.Valid() {
			return nil
		}
	}
	return []Update{u}
}

// DropDanglingEdges drops edge additions whose endpoints are missing and
// edge removals whose edge is already gone.
type DropDanglingEdges struct{}

func (DropDanglingEdges) Name() string { return "drop_dangling_edges" }

func (DropDanglingEdges) Correct(c *CorrectionContext, u Update) []Update {
	switch u.Kind {
	case UpdateNewEdge:
		if !c.View.HasNode(u.Source) || !c.View.HasNode(u.Target) || !u.Edge.Kind.Valid() {
			return nil
		}
	case UpdateRemoveEdge:
		if !c.View.HasNode(u.Source) {
			return nil
		}
		if _, ok := c.View.resolveEdgeTarget(u.Source, u.Edge.Kind, u.Target, u.TargetLineage); !ok {
			return nil
		}
	}
	return []Update{u}
}

// DropCycles drops edge additions that would close a cycle in the graph as
// it stands after the preceding updates.
type DropCycles struct{}

func (DropCycles) Name() string { return "drop_cycles" }

func (DropCycles) Correct(c *CorrectionContext, u Update) []Update {
	if u.Kind != UpdateNewEdge {
		return []Update{u}
	}
	if c.View.hasAnyEdge(u.Source, u.Target) {
		return []Update{u}
	}
	if c.View.WouldCreateCycle(u.Source, u.Target) {
		return nil
	}
	return []Update{u}
}

// KeepViewsWithComponents refuses to remove or detach a view while it is the
// only view representing some component. A component that the rest of the
// batch removes does not count.
type KeepViewsWithComponents struct{}

func (KeepViewsWithComponents) Name() string { return "keep_views_with_components" }

func (r KeepViewsWithComponents) Correct(c *CorrectionContext, u Update) []Update {
	var view ID
	switch u.Kind {
	case UpdateRemoveNode:
		w, ok := c.View.nodes[u.ID]
		if !ok || !c.View.HasNode(u.ID) || w.Kind != KindView {
			return []Update{u}
		}
		view = u.ID
	case UpdateRemoveEdge:
		target, ok := c.View.resolveEdgeTarget(u.Source, u.Edge.Kind, u.Target, u.TargetLineage)
		if !ok || c.View.nodes[target].Kind != KindView {
			return []Update{u}
		}
		if len(c.View.Sources(target)) > 1 {
			return []Update{u}
		}
		view = target
	default:
		return []Update{u}
	}

	leaving := make(map[ID]bool)
	for _, later := range c.Remaining {
		if later.Kind == UpdateRemoveNode {
			leaving[later.ID] = true
		}
	}
	for _, comp := range representedBy(c.View, view) {
		if leaving[comp] {
			continue
		}
		if !representedElsewhere(c.View, comp, view) {
			return nil
		}
	}
	return []Update{u}
}

// representedBy lists the live components the view's geometries represent.
func representedBy(g *Graph, view ID) []ID {
	var out []ID
	for _, geo := range g.Targets(view, EdgeUse, EdgeContain) {
		if w, ok := g.nodes[geo]; !ok || w.Kind != KindGeometry {
			continue
		}
		for _, comp := range g.Targets(geo, EdgeRepresents) {
			if g.HasNode(comp) && g.nodes[comp].Kind == KindComponent {
				out = append(out, comp)
			}
		}
	}
	return out
}

// representedElsewhere reports whether some view other than except, still
// attached to the graph, has a geometry representing comp.
func representedElsewhere(g *Graph, comp, except ID) bool {
	for _, geo := range g.Sources(comp, EdgeRepresents) {
		if !g.HasNode(geo) {
			continue
		}
		for _, view := range g.Sources(geo, EdgeUse, EdgeContain) {
			if view == except || !g.HasNode(view) || g.nodes[view].Kind != KindView {
				continue
			}
			if len(g.Sources(view)) > 0 {
				return true
			}
		}
	}
	return false
}

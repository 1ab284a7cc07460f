package routing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/epvx/routingd/internal/database/models"
)

// ResultType discriminates terminal from fork routing results.
type ResultType string

const (
	// ResultTerminal is a single routing target the engine can dial directly.
	ResultTerminal ResultType = "terminal"
	// ResultFork rings several targets according to ranks and modes.
	ResultFork ResultType = "fork"
)

// CallTarget is one routable destination plus its engine parameters.
// Rank separators ("|", "|next=<delay>", "|drop=<delay>") are encoded as
// targets without parameters, matching the engine's callfork syntax.
type CallTarget struct {
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// IsSeparator reports whether the target is a rank-separator marker.
func (t *CallTarget) IsSeparator() bool {
	return strings.HasPrefix(t.Target, "|")
}

// Result is the routing directive produced for the tree root and for every
// inner node. Inner-node results are cached and later looked up by their
// symbolic late-route name.
type Result struct {
	Type        ResultType    `json:"type"`
	Target      *CallTarget   `json:"target"`
	ForkTargets []*CallTarget `json:"fork_targets,omitempty"`
}

// IsTerminal reports whether the result routes to a single target.
func (r *Result) IsTerminal() bool {
	return r.Type == ResultTerminal
}

// CacheEntry pairs an inner node's tree path with its result. Entries are
// emitted children before parents, a valid topological order of the tree.
type CacheEntry struct {
	TreePath string
	Result   *Result
}

// GeneratorConfig resolves home-server ids and external dial-out targets.
type GeneratorConfig struct {
	// LocalServerID is the telephone server this instance routes for.
	LocalServerID int64
	// ServerContacts maps remote home-server ids to their SIP contact hosts.
	ServerContacts map[int64]string
	// DialoutTarget is the engine target template for external numbers,
	// with "{number}" substituted by the dialed number.
	DialoutTarget string
}

// Generator performs stage-1 phase B: a bottom-up fold over the routing
// tree that emits one result per inner node plus the root result.
type Generator struct {
	call    *CallContext
	cfg     GeneratorConfig
	entries []CacheEntry
	results map[string]*Result
}

// NewGenerator creates a route generator for one call.
func NewGenerator(call *CallContext, cfg GeneratorConfig) *Generator {
	return &Generator{
		call:    call,
		cfg:     cfg,
		results: make(map[string]*Result),
	}
}

// CacheEntries returns the inner-node results in emission order,
// children before parents.
func (g *Generator) CacheEntries() []CacheEntry {
	return g.entries
}

// AllResults returns every inner-node result keyed by tree path.
func (g *Generator) AllResults() map[string]*Result {
	return g.results
}

// Generate folds the tree into the root's routing result.
func (g *Generator) Generate(root *Node) (*Result, error) {
	result, err := g.visit(root)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, NewError(KindNoRoute, "no routable targets for %s", root.Extension.Number)
	}
	return result, nil
}

// visit emits the result for one node. A nil result without error means the
// branch is dead (no routable targets) and is pruned by the parent.
func (g *Generator) visit(node *Node) (*Result, error) {
	if node.Forward != nil {
		return g.visitForward(node)
	}
	if len(node.Ranks) > 0 {
		return g.visitFork(node)
	}
	return g.visitLeaf(node)
}

// visitForward routes an immediate forward. The node adopts its child's
// result but keeps its own symbolic cache entry, so a late-route lookup of
// the node itself stays answerable.
func (g *Generator) visitForward(node *Node) (*Result, error) {
	child, err := g.visit(node.Forward)
	if err != nil {
		return nil, err
	}
	if child == nil {
		node.log(LogWarn, node.Forward.TreePath, "forward target has no routable targets")
		return nil, nil
	}

	result := child
	if !child.IsTerminal() {
		result = &Result{
			Type:        ResultFork,
			Target:      g.symbolicTarget(node),
			ForkTargets: child.ForkTargets,
		}
	}
	g.record(node, result)
	return result, nil
}

// visitLeaf emits the terminal result of a routable extension.
func (g *Generator) visitLeaf(node *Node) (*Result, error) {
	ext := node.Extension

	// A group without any fork rank cannot ring anything.
	if ext.Type == models.TypeGroup {
		return nil, nil
	}

	target, err := g.deviceTarget(node)
	if err != nil {
		return nil, err
	}
	return &Result{Type: ResultTerminal, Target: target}, nil
}

// deviceTarget builds the dialable target of a single extension: local
// late-route with the stage-2 trigger, remote server contact, or external
// dial-out subject to the caller's permission.
func (g *Generator) deviceTarget(node *Node) (*CallTarget, error) {
	ext := node.Extension
	params := g.leafParams(node)

	if ext.Type == models.TypeExternal || ext.YateID == nil {
		if ext.Type == models.TypeExternal && ext.YateID != nil {
			// External numbers can be anchored on another PBX server.
			return g.remoteTarget(node, params)
		}
		if g.call.Caller == nil || !g.call.Caller.DialoutAllowed {
			return nil, NewError(KindForbidden,
				"caller %s may not dial out to %s", g.call.CallerNumber, ext.Number)
		}
		target := strings.ReplaceAll(g.cfg.DialoutTarget, "{number}", ext.Number)
		return &CallTarget{Target: target, Parameters: params}, nil
	}

	if *ext.YateID == g.cfg.LocalServerID {
		// Stage 2 resolves the registered devices of a local extension.
		params["eventphone_stage2"] = "1"
		return &CallTarget{Target: "lateroute/" + ext.Number, Parameters: params}, nil
	}
	return g.remoteTarget(node, params)
}

func (g *Generator) remoteTarget(node *Node, params map[string]string) (*CallTarget, error) {
	ext := node.Extension
	contact, ok := g.cfg.ServerContacts[*ext.YateID]
	if !ok {
		return nil, NewError(KindNoRoute,
			"no contact configured for home server %d of %s", *ext.YateID, ext.Number)
	}
	return &CallTarget{
		Target:     fmt.Sprintf("sip/sip:%s@%s", ext.Number, contact),
		Parameters: params,
	}, nil
}

// visitFork assembles the fork result of an inner node from its already
// emitted children, rank by rank in index order. A delayed forward truncates
// the fork: stored ranks whose start time lies at or past the forwarding
// delay never ring, because the forward's drop separator fires first.
func (g *Generator) visitFork(node *Node) (*Result, error) {
	var forkTargets []*CallTarget
	emitted := false
	accumulatedDelay := 0

	forwardDelay := -1
	if n := len(node.Ranks); n > 0 && node.Ranks[n-1].Synthetic {
		forwardDelay = node.Ranks[n-1].Delay
	}

	truncated := false
	for _, rank := range node.Ranks {
		if !rank.Synthetic {
			if truncated {
				continue
			}
			if emitted && forwardDelay >= 0 && separatorDelay(rank) {
				if accumulatedDelay+rank.Delay >= forwardDelay {
					accumulatedDelay += rank.Delay
					truncated = true
					node.log(LogInfo, "",
						"rank %d starts after the forward fires, dropping it and later ranks", rank.Index)
					continue
				}
			}
		}

		var children []*CallTarget
		for _, m := range rank.Members {
			if m.Node == nil || !m.Node.Active {
				continue
			}
			child, err := g.visit(m.Node)
			if err != nil {
				var rerr *Error
				if errors.As(err, &rerr) && rerr.Kind == KindForbidden {
					node.log(LogWarn, m.Node.TreePath, "dropping forbidden dial-out branch: %s", rerr.Detail)
					continue
				}
				return nil, err
			}
			if child == nil {
				node.log(LogWarn, m.Node.TreePath, "branch has no routable targets, pruning")
				continue
			}
			children = append(children, g.memberTarget(child, m))
		}
		if len(children) == 0 {
			continue
		}
		if emitted {
			forkTargets = append(forkTargets, rankSeparator(rank, &accumulatedDelay))
		}
		forkTargets = append(forkTargets, children...)
		emitted = true
	}

	if !emitted {
		return nil, nil
	}

	result := &Result{
		Type:        ResultFork,
		Target:      g.symbolicTarget(node),
		ForkTargets: forkTargets,
	}
	g.record(node, result)
	return result, nil
}

// memberTarget adapts a child's own target for use inside the parent fork,
// flagging auxiliary members for the engine's fork processor.
func (g *Generator) memberTarget(child *Result, m *Member) *CallTarget {
	target := child.Target
	if m.Type != models.MemberTypeDefault && m.Type != "" {
		target = cloneTarget(target)
		target.Parameters["fork.calltype"] = strings.ToLower(string(m.Type))
	}
	return target
}

// rankSeparator emits the callfork marker between two ranks. The delay of
// the synthetic forward rank is relative to call start, so earlier rank
// delays are subtracted before emission and the remainder clamped at zero.
func rankSeparator(rank *Rank, accumulated *int) *CallTarget {
	switch rank.Mode {
	case models.RankModeNext:
		*accumulated += rank.Delay
		return &CallTarget{Target: fmt.Sprintf("|next=%d", rank.Delay)}
	case models.RankModeDrop:
		delay := rank.Delay
		if rank.Synthetic {
			delay -= *accumulated
			if delay < 0 {
				delay = 0
			}
		}
		*accumulated += delay
		return &CallTarget{Target: fmt.Sprintf("|drop=%d", delay)}
	default:
		return &CallTarget{Target: "|"}
	}
}

// separatorDelay reports whether the rank's separator consumes ring time.
func separatorDelay(rank *Rank) bool {
	return rank.Mode == models.RankModeNext || rank.Mode == models.RankModeDrop
}

// symbolicTarget names an inner node for deferred lookup.
func (g *Generator) symbolicTarget(node *Node) *CallTarget {
	params := g.baseParams()
	addConditionParams(params, node.ForwardCondition)
	return &CallTarget{
		Target:     "lateroute/" + SymbolicName(g.call.ID, node.TreePath),
		Parameters: params,
	}
}

// baseParams carries call correlation on every emitted target: the call id
// under its internal key and mirrored into the outgoing SIP header.
func (g *Generator) baseParams() map[string]string {
	return map[string]string{
		"x_eventphone_id":      g.call.ID,
		"osip_X-Eventphone-Id": g.call.ID,
	}
}

// leafParams extends the base parameters with presentation attributes for
// a terminal target.
func (g *Generator) leafParams(node *Node) map[string]string {
	params := g.baseParams()
	ext := node.Extension
	if ext.Name != "" {
		params["calledname"] = ext.Name
	}
	if g.call.Caller != nil {
		if name := g.call.Caller.Name; name != "" {
			params["callername"] = name
		}
		if lang := g.call.Caller.Lang; lang != "" {
			params["lang"] = lang
		}
	}
	if ext.Ringback {
		params["ringback"] = "1"
	}
	addConditionParams(params, node.ForwardCondition)
	return params
}

// addConditionParams encodes a conditional forward for the engine's fork
// processor: which outcome stops this branch and where to redirect then.
func addConditionParams(params map[string]string, fc *ForwardCondition) {
	if fc == nil {
		return
	}
	switch fc.Mode {
	case models.ForwardingOnBusy:
		params["fork.stop"] = "busy"
	case models.ForwardingOnUnavailable:
		params["fork.stop"] = "offline"
	}
	params["redirect"] = "lateroute/" + fc.Number
	if fc.Delay > 0 {
		params["redirect_delay"] = strconv.Itoa(fc.Delay)
	}
}

func cloneTarget(t *CallTarget) *CallTarget {
	params := make(map[string]string, len(t.Parameters)+1)
	for k, v := range t.Parameters {
		params[k] = v
	}
	return &CallTarget{Target: t.Target, Parameters: params}
}

// record registers an inner node's result for caching and diagnostics.
func (g *Generator) record(node *Node, result *Result) {
	g.entries = append(g.entries, CacheEntry{TreePath: node.TreePath, Result: result})
	g.results[node.TreePath] = result
}

package routing

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/epvx/routingd/internal/database/models"
)

// DefaultForwardDepthLimit bounds the length of forward chains within one
// call. Deeper chains fail the request with FORWARD_LOOP.
const DefaultForwardDepthLimit = 16

// Builder performs stage-1 phase A: breadth-first discovery of the routing
// tree. Store reads for siblings of one layer are fanned out concurrently;
// classification runs sequentially in deterministic order so that the
// duplicate set grows monotonically and tree paths are reproducible.
type Builder struct {
	store           Store
	forwardDepthMax int
	logger          *slog.Logger
}

// NewBuilder creates a tree builder. A non-positive depth limit falls back
// to DefaultForwardDepthLimit.
func NewBuilder(store Store, forwardDepthLimit int, logger *slog.Logger) *Builder {
	if forwardDepthLimit <= 0 {
		forwardDepthLimit = DefaultForwardDepthLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:           store,
		forwardDepthMax: forwardDepthLimit,
		logger:          logger.With("subsystem", "tree_builder"),
	}
}

// task is a materialized node of the current BFS layer awaiting expansion.
type task struct {
	node     *Node
	fwdDepth int

	ranks   []models.ForkRank
	condExt *models.Extension
}

// pending is an enqueued child of the next layer. The duplicate check has
// already run at enqueue time; inactive children are materialized for the
// diagnostic tree but never expanded.
type pending struct {
	extensionID int64
	treePath    string
	fwdDepth    int
	active      bool
	expand      bool
	memberType  models.RankMemberType
	attach      func(*Node)

	ext *models.Extension
}

// Discover runs breadth-first discovery from the called extension and
// returns the root of the routing tree. On a mid-discovery failure the
// partially built tree is returned alongside the error so diagnostics can
// inspect it.
func (b *Builder) Discover(ctx context.Context, call *CallContext) (*Node, error) {
	if err := b.resolveCaller(ctx, call); err != nil {
		return nil, err
	}

	called, err := b.store.ExtensionByNumber(ctx, call.CalledNumber)
	if err != nil {
		return nil, storeFailure(ctx, err)
	}
	if called == nil {
		return nil, NewError(KindNoRoute, "no extension %q found", call.CalledNumber)
	}

	root := &Node{Extension: called, TreePath: "1", Active: true}
	// The root bypasses the duplicate check: dialing your own extension is
	// legitimate even though the caller is pre-inserted into the set.
	call.markVisited(called.ID, root.TreePath)

	layer := []*task{{node: root}}
	for len(layer) > 0 {
		if err := b.loadLayerInputs(ctx, layer); err != nil {
			return root, err
		}

		var next []*pending
		for _, t := range layer {
			children, err := b.expand(call, t)
			if err != nil {
				return root, err
			}
			next = append(next, children...)
		}

		layer, err = b.materialize(ctx, next)
		if err != nil {
			return root, err
		}
	}

	return root, nil
}

// resolveCaller loads the caller extension, falling back to an EXTERNAL
// placeholder for unknown numbers, and seeds the duplicate set with it.
func (b *Builder) resolveCaller(ctx context.Context, call *CallContext) error {
	if call.Caller == nil {
		caller, err := b.store.ExtensionByNumber(ctx, call.CallerNumber)
		if err != nil {
			return storeFailure(ctx, err)
		}
		if caller == nil {
			caller = models.NewExternalExtension(call.CallerNumber)
			b.logger.Debug("caller not provisioned, treating as external",
				"call_id", call.ID, "caller", call.CallerNumber)
		}
		call.Caller = caller
	}
	if call.Caller.ID != 0 {
		call.markVisited(call.Caller.ID, "caller")
	}
	return nil
}

// loadLayerInputs fetches fork ranks and conditional-forward targets for
// every node of the layer in parallel.
func (b *Builder) loadLayerInputs(ctx context.Context, layer []*task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range layer {
		t := t
		ext := t.node.Extension
		if !t.node.Active || ext == nil {
			continue
		}
		if wantsForkRanks(ext) {
			g.Go(func() error {
				ranks, err := b.store.ForkRanks(gctx, ext.ID)
				if err != nil {
					return err
				}
				t.ranks = ranks
				return nil
			})
		}
		if conditionalForward(ext.ForwardingMode) && ext.ForwardingExtensionID != nil {
			g.Go(func() error {
				target, err := b.store.ExtensionByID(gctx, *ext.ForwardingExtensionID)
				if err != nil {
					return err
				}
				t.condExt = target
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return storeFailure(ctx, err)
	}
	return nil
}

// expand classifies one node and enqueues its children. This is the only
// place the duplicate set is consulted and grown, and it runs strictly in
// layer order.
func (b *Builder) expand(call *CallContext, t *task) ([]*pending, error) {
	node := t.node
	ext := node.Extension
	if !node.Active || node.SelfDevice || ext.Type == models.TypeExternal {
		return nil, nil
	}

	if conditionalForward(ext.ForwardingMode) {
		if t.condExt != nil {
			node.ForwardCondition = &ForwardCondition{
				Mode:   ext.ForwardingMode,
				Number: t.condExt.Number,
				Delay:  ext.EffectiveForwardingDelay(),
			}
		} else if ext.ForwardingExtensionID != nil {
			node.log(LogWarn, "", "conditional forward target %d not found, ignoring forward", *ext.ForwardingExtensionID)
		}
	}

	if ext.ImmediateForward() {
		if ext.ForwardingExtensionID == nil {
			node.log(LogWarn, "", "forward enabled but no target configured, routing device instead")
		} else {
			p, err := b.enqueueForward(call, node, t.fwdDepth, forwardPath(node.TreePath),
				func(n *Node) { node.Forward = n })
			if err != nil {
				return nil, err
			}
			// Immediate forward suppresses the node's own device and ranks.
			return []*pending{p}, nil
		}
	}

	delayedForward := ext.ForwardingMode == models.ForwardingEnabled &&
		ext.EffectiveForwardingDelay() > 0 && ext.ForwardingExtensionID != nil

	// The device of a MULTIRING rings as part of rank 0. A SIMPLE extension
	// with a delayed forward keeps its device ringing until the forward
	// fires, which takes the same shape. The device must be attached before
	// the rank's stored members are enqueued so that member positions, and
	// with them tree paths and duplicate-set entries, are assigned once.
	needSelfDevice := ext.Type == models.TypeMultiring ||
		(ext.Type == models.TypeSimple && delayedForward)

	var out []*pending
	for _, stored := range t.ranks {
		rank := &Rank{Index: stored.Index, Mode: stored.Mode, Delay: stored.Delay}
		node.Ranks = append(node.Ranks, rank)
		if needSelfDevice && stored.Index == 0 {
			b.attachSelfDevice(node, rank)
			needSelfDevice = false
		}
		for _, m := range stored.Members {
			out = append(out, b.enqueueMember(call, node, rank, m, t.fwdDepth))
		}
	}

	// No stored rank 0 to join: the device gets a rank of its own in front.
	if needSelfDevice {
		rank := &Rank{Index: 0, Mode: models.RankModeDefault}
		node.Ranks = append([]*Rank{rank}, node.Ranks...)
		b.attachSelfDevice(node, rank)
	}

	if delayedForward {
		p, err := b.enqueueDelayedForward(call, node, t.fwdDepth)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, nil
}

// enqueueMember applies the duplicate check to a rank member and queues it.
// Paused memberships and duplicates are still queued so the tree shows
// them, but marked inactive and never expanded.
func (b *Builder) enqueueMember(call *CallContext, parent *Node, rank *Rank, m models.RankMember, fwdDepth int) *pending {
	position := len(rank.Members)
	path := childPath(parent.TreePath, rank.Index, position)
	slot := &Member{Type: m.Type}
	rank.Members = append(rank.Members, slot)

	p := &pending{
		extensionID: m.ExtensionID,
		treePath:    path,
		fwdDepth:    fwdDepth,
		memberType:  m.Type,
		attach:      func(n *Node) { slot.Node = n },
	}
	if !m.Active {
		return p
	}
	if prior, fresh := call.markVisited(m.ExtensionID, path); !fresh {
		parent.log(LogWarn, prior,
			"extension %d in rank %d already present at %s, deactivating %s",
			m.ExtensionID, rank.Index, prior, path)
		return p
	}
	p.active = true
	p.expand = true
	return p
}

// enqueueForward queues the target of an unconditional forward. A target
// that is already active on the call is a forward cycle and fails the
// whole request.
func (b *Builder) enqueueForward(call *CallContext, node *Node, fwdDepth int, path string, attach func(*Node)) (*pending, error) {
	targetID := *node.Extension.ForwardingExtensionID
	if fwdDepth+1 > b.forwardDepthMax {
		return nil, NewError(KindForwardLoop,
			"forward chain exceeds depth limit %d at %s", b.forwardDepthMax, node.TreePath)
	}
	if prior, fresh := call.markVisited(targetID, path); !fresh {
		return nil, NewError(KindForwardLoop,
			"forward cycle: extension %d already present at %s", targetID, prior)
	}
	return &pending{
		extensionID: targetID,
		treePath:    path,
		fwdDepth:    fwdDepth + 1,
		active:      true,
		expand:      true,
		memberType:  models.MemberTypeDefault,
		attach:      attach,
	}, nil
}

// enqueueDelayedForward appends the synthetic DROP rank that realizes an
// enabled forward with positive delay.
func (b *Builder) enqueueDelayedForward(call *CallContext, node *Node, fwdDepth int) (*pending, error) {
	ext := node.Extension
	index := 0
	if n := len(node.Ranks); n > 0 {
		index = node.Ranks[n-1].Index + 1
	}
	rank := &Rank{
		Index:     index,
		Mode:      models.RankModeDrop,
		Delay:     ext.EffectiveForwardingDelay(),
		Synthetic: true,
	}
	node.Ranks = append(node.Ranks, rank)
	slot := &Member{Type: models.MemberTypeDefault}
	rank.Members = append(rank.Members, slot)
	return b.enqueueForward(call, node, fwdDepth, childPath(node.TreePath, index, 0),
		func(n *Node) { slot.Node = n })
}

// attachSelfDevice adds the node's own device at the rank's next position.
// Self-device nodes bypass the duplicate set: their extension was recorded
// when the node itself was enqueued. They are fully materialized here and
// never expanded.
func (b *Builder) attachSelfDevice(node *Node, rank *Rank) {
	self := &Node{
		Extension:  node.Extension,
		TreePath:   childPath(node.TreePath, rank.Index, len(rank.Members)),
		Active:     true,
		SelfDevice: true,
	}
	rank.Members = append(rank.Members, &Member{Type: models.MemberTypeDefault, Node: self})
}

// materialize loads the extensions of the next layer in parallel and
// attaches the resulting nodes to their parents in enqueue order.
func (b *Builder) materialize(ctx context.Context, queue []*pending) ([]*task, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range queue {
		p := p
		g.Go(func() error {
			ext, err := b.store.ExtensionByID(gctx, p.extensionID)
			if err != nil {
				return err
			}
			p.ext = ext
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storeFailure(ctx, err)
	}

	var next []*task
	for _, p := range queue {
		ext := p.ext
		node := &Node{TreePath: p.treePath, Active: p.active}
		if ext == nil {
			// Referential integrity should make this impossible; keep a
			// placeholder so the tree stays navigable.
			node.Extension = models.NewExternalExtension("?")
			node.Active = false
			node.log(LogWarn, "", "referenced extension %d not found in store", p.extensionID)
			p.attach(node)
			continue
		}
		node.Extension = ext
		p.attach(node)
		if p.expand {
			next = append(next, &task{node: node, fwdDepth: p.fwdDepth})
		}
	}
	return next, nil
}

// wantsForkRanks reports whether discovery needs the extension's fork
// ranks. An immediate forward suppresses them.
func wantsForkRanks(ext *models.Extension) bool {
	if ext.Type != models.TypeGroup && ext.Type != models.TypeMultiring {
		return false
	}
	return !ext.ImmediateForward()
}

func conditionalForward(mode models.ForwardingMode) bool {
	return mode == models.ForwardingOnBusy || mode == models.ForwardingOnUnavailable
}

// storeFailure maps a store transport error to the routing error model,
// distinguishing caller cancellation from genuine store trouble.
func storeFailure(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return NewError(KindTimeout, "routing deadline exceeded: %v", err)
	}
	return NewError(KindStoreUnavailable, "store query failed: %v", err)
}

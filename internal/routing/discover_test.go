package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/epvx/routingd/internal/database/models"
)

// fakeStore is an in-memory Store for builder tests.
type fakeStore struct {
	byNumber map[string]*models.Extension
	byID     map[int64]*models.Extension
	ranks    map[int64][]models.ForkRank
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byNumber: make(map[string]*models.Extension),
		byID:     make(map[int64]*models.Extension),
		ranks:    make(map[int64][]models.ForkRank),
	}
}

func (s *fakeStore) add(ext *models.Extension) *models.Extension {
	s.byNumber[ext.Number] = ext
	s.byID[ext.ID] = ext
	return ext
}

func (s *fakeStore) addRank(extID int64, index, delay int, mode models.RankMode, members ...models.RankMember) {
	s.ranks[extID] = append(s.ranks[extID], models.ForkRank{
		ID:          int64(len(s.ranks[extID]) + 1),
		ExtensionID: extID,
		Index:       index,
		Delay:       delay,
		Mode:        mode,
		Members:     members,
	})
}

func (s *fakeStore) ExtensionByNumber(_ context.Context, number string) (*models.Extension, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byNumber[number], nil
}

func (s *fakeStore) ExtensionByID(_ context.Context, id int64) (*models.Extension, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byID[id], nil
}

func (s *fakeStore) ForkRanks(_ context.Context, extensionID int64) ([]models.ForkRank, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ranks[extensionID], nil
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

// simpleExt builds a SIMPLE extension homed on server 1.
func simpleExt(id int64, number string) *models.Extension {
	return &models.Extension{
		ID:             id,
		Number:         number,
		Name:           "ext " + number,
		YateID:         int64Ptr(1),
		Lang:           "en_US",
		Type:           models.TypeSimple,
		ForwardingMode: models.ForwardingDisabled,
	}
}

func groupExt(id int64, number string) *models.Extension {
	return &models.Extension{
		ID:             id,
		Number:         number,
		Name:           "group " + number,
		Type:           models.TypeGroup,
		ForwardingMode: models.ForwardingDisabled,
	}
}

const testCallID = "0123456789abcdef0123456789abcdef"

func discover(t *testing.T, store Store, caller, called string) (*CallContext, *Node, error) {
	t.Helper()
	call := NewCallContext(testCallID, caller, called)
	root, err := NewBuilder(store, 0, nil).Discover(context.Background(), call)
	return call, root, err
}

func mustDiscover(t *testing.T, store Store, caller, called string) (*CallContext, *Node) {
	t.Helper()
	call, root, err := discover(t, store, caller, called)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	return call, root
}

func TestDiscoverSimpleCall(t *testing.T) {
	store := newFakeStore()
	store.add(simpleExt(10, "1000"))
	store.add(simpleExt(11, "1001"))

	_, root := mustDiscover(t, store, "1001", "1000")

	if root.Extension.Number != "1000" {
		t.Errorf("root extension = %s, want 1000", root.Extension.Number)
	}
	if root.TreePath != "1" {
		t.Errorf("root tree path = %s, want 1", root.TreePath)
	}
	if !root.IsLeaf() {
		t.Errorf("simple extension should be a leaf")
	}
}

func TestDiscoverUnknownCalled(t *testing.T) {
	store := newFakeStore()
	store.add(simpleExt(11, "1001"))

	_, _, err := discover(t, store, "1001", "9999")

	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindNoRoute {
		t.Fatalf("Discover() error = %v, want NO_ROUTE", err)
	}
}

func TestDiscoverUnknownCallerBecomesExternal(t *testing.T) {
	store := newFakeStore()
	store.add(simpleExt(10, "1000"))

	call, _ := mustDiscover(t, store, "049123456", "1000")

	if call.Caller == nil || call.Caller.Type != models.TypeExternal {
		t.Fatalf("unknown caller should resolve to an EXTERNAL placeholder, got %+v", call.Caller)
	}
	if call.Caller.DialoutAllowed {
		t.Errorf("external placeholder must not be allowed to dial out")
	}
}

func TestDiscoverGroupExcludesCaller(t *testing.T) {
	store := newFakeStore()
	store.add(simpleExt(10, "1000"))
	store.add(simpleExt(11, "1001"))
	store.add(groupExt(20, "2000"))
	store.addRank(20, 0, 0, models.RankModeDefault,
		models.RankMember{ExtensionID: 11, Active: true, Type: models.MemberTypeDefault},
		models.RankMember{ExtensionID: 10, Active: true, Type: models.MemberTypeDefault},
	)

	_, root := mustDiscover(t, store, "1001", "2000")

	if len(root.Ranks) != 1 || len(root.Ranks[0].Members) != 2 {
		t.Fatalf("expected one rank with two members, got %+v", root.Ranks)
	}
	callerNode := root.Ranks[0].Members[0].Node
	if callerNode.Active {
		t.Errorf("caller's own membership must be deactivated")
	}
	otherNode := root.Ranks[0].Members[1].Node
	if !otherNode.Active || otherNode.Extension.Number != "1000" {
		t.Errorf("second member = %+v, want active 1000", otherNode)
	}
	if otherNode.TreePath != "1-fr0-1" {
		t.Errorf("member tree path = %s, want 1-fr0-1", otherNode.TreePath)
	}
	if len(root.Logs) == 0 {
		t.Errorf("deactivation should leave a log entry on the parent")
	}
}

func TestDiscoverDuplicateMemberAcrossGroups(t *testing.T) {
	store := newFakeStore()
	store.add(simpleExt(10, "1000"))
	store.add(simpleExt(11, "1001"))
	store.add(groupExt(20, "2000"))
	store.add(groupExt(21, "2001"))
	store.addRank(20, 0, 0, models.RankModeDefault,
		models.RankMember{ExtensionID: 10, Active: true, Type: models.MemberTypeDefault},
		models.RankMember{ExtensionID: 21, Active: true, Type: models.MemberTypeDefault},
	)
	store.addRank(21, 0, 0, models.RankModeDefault,
		models.RankMember{ExtensionID: 10, Active: true, Type: models.MemberTypeDefault},
	)

	_, root := mustDiscover(t, store, "1001", "2000")

	inner := root.Ranks[0].Members[1].Node
	if inner.Extension.Number != "2001" {
		t.Fatalf("inner node = %s, want 2001", inner.Extension.Number)
	}
	dup := inner.Ranks[0].Members[0].Node
	if dup.Active {
		t.Errorf("second occurrence of 1000 must be deactivated")
	}
	first := root.Ranks[0].Members[0].Node
	if !first.Active {
		t.Errorf("first occurrence of 1000 must stay active")
	}
}

func TestDiscoverSelfCallAllowed(t *testing.T) {
	store := newFakeStore()
	store.add(simpleExt(10, "1000"))

	_, root := mustDiscover(t, store, "1000", "1000")

	if !root.Active {
		t.Errorf("calling your own extension must produce an active root")
	}
}

func TestDiscoverImmediateForward(t *testing.T) {
	store := newFakeStore()
	fwd := simpleExt(10, "1000")
	fwd.ForwardingMode = models.ForwardingEnabled
	fwd.ForwardingExtensionID = int64Ptr(12)
	store.add(fwd)
	store.add(simpleExt(11, "1001"))
	store.add(simpleExt(12, "1002"))

	_, root := mustDiscover(t, store, "1001", "1000")

	if root.Forward == nil {
		t.Fatalf("immediate forward should attach a forward child")
	}
	if root.Forward.TreePath != "1-fwd" {
		t.Errorf("forward tree path = %s, want 1-fwd", root.Forward.TreePath)
	}
	if root.Forward.Extension.Number != "1002" {
		t.Errorf("forward target = %s, want 1002", root.Forward.Extension.Number)
	}
	if len(root.Ranks) != 0 {
		t.Errorf("immediate forward must suppress the node's own ranks")
	}
}

func TestDiscoverDelayedForwardSynthesizesDropRank(t *testing.T) {
	store := newFakeStore()
	fwd := simpleExt(10, "1000")
	fwd.ForwardingMode = models.ForwardingEnabled
	fwd.ForwardingDelay = intPtr(10)
	fwd.ForwardingExtensionID = int64Ptr(12)
	store.add(fwd)
	store.add(simpleExt(11, "1001"))
	store.add(simpleExt(12, "1002"))

	_, root := mustDiscover(t, store, "1001", "1000")

	if root.Forward != nil {
		t.Fatalf("delayed forward must not use the immediate-forward edge")
	}
	if len(root.Ranks) != 2 {
		t.Fatalf("expected self-device rank plus synthetic rank, got %d", len(root.Ranks))
	}

	self := root.Ranks[0].Members[0].Node
	if !self.SelfDevice || self.Extension.Number != "1000" {
		t.Errorf("rank 0 should carry the extension's own device, got %+v", self)
	}
	if self.TreePath != "1-fr0-0" {
		t.Errorf("self device path = %s, want 1-fr0-0", self.TreePath)
	}

	synthetic := root.Ranks[1]
	if !synthetic.Synthetic || synthetic.Mode != models.RankModeDrop || synthetic.Delay != 10 {
		t.Errorf("synthetic rank = %+v, want DROP with delay 10", synthetic)
	}
	if synthetic.Members[0].Node.Extension.Number != "1002" {
		t.Errorf("synthetic rank member = %s, want 1002",
			synthetic.Members[0].Node.Extension.Number)
	}
}

func TestDiscoverMultiringPrependsOwnDevice(t *testing.T) {
	store := newFakeStore()
	mr := simpleExt(10, "1000")
	mr.Type = models.TypeMultiring
	store.add(mr)
	store.add(simpleExt(11, "1001"))
	store.add(simpleExt(12, "1002"))
	store.add(simpleExt(13, "1003"))
	store.addRank(10, 0, 0, models.RankModeDefault,
		models.RankMember{ExtensionID: 12, Active: true, Type: models.MemberTypeAuxiliary},
		models.RankMember{ExtensionID: 13, Active: true, Type: models.MemberTypeDefault},
	)

	_, root := mustDiscover(t, store, "1001", "1000")

	if len(root.Ranks) != 1 {
		t.Fatalf("expected a single rank, got %d", len(root.Ranks))
	}
	members := root.Ranks[0].Members
	if len(members) != 3 {
		t.Fatalf("expected device plus two members, got %d", len(members))
	}
	if !members[0].Node.SelfDevice || members[0].Node.Extension.Number != "1000" {
		t.Errorf("first member should be the extension's own device, got %+v", members[0].Node)
	}
	if members[1].Node.Extension.Number != "1002" || members[2].Node.Extension.Number != "1003" {
		t.Errorf("stored members out of order: %s, %s",
			members[1].Node.Extension.Number, members[2].Node.Extension.Number)
	}
	// The device occupies position 0, so every stored member's path must
	// reflect its shifted position and all paths must stay unique.
	want := []string{"1-fr0-0", "1-fr0-1", "1-fr0-2"}
	seen := make(map[string]bool)
	for i, m := range members {
		if m.Node.TreePath != want[i] {
			t.Errorf("member %d path = %s, want %s", i, m.Node.TreePath, want[i])
		}
		if seen[m.Node.TreePath] {
			t.Errorf("duplicate tree path %s", m.Node.TreePath)
		}
		seen[m.Node.TreePath] = true
	}
}

func TestDiscoverMultiringWithoutStoredRankZero(t *testing.T) {
	store := newFakeStore()
	mr := simpleExt(10, "1000")
	mr.Type = models.TypeMultiring
	store.add(mr)
	store.add(simpleExt(11, "1001"))

	_, root := mustDiscover(t, store, "1001", "1000")

	if len(root.Ranks) != 1 || root.Ranks[0].Index != 0 {
		t.Fatalf("device should get a rank 0 of its own, got %+v", root.Ranks)
	}
	self := root.Ranks[0].Members[0].Node
	if !self.SelfDevice || self.TreePath != "1-fr0-0" {
		t.Errorf("self device = %+v, want path 1-fr0-0", self)
	}
}

func TestDiscoverForwardCycle(t *testing.T) {
	store := newFakeStore()
	a := simpleExt(10, "1000")
	a.ForwardingMode = models.ForwardingEnabled
	a.ForwardingExtensionID = int64Ptr(12)
	store.add(a)
	b := simpleExt(12, "1002")
	b.ForwardingMode = models.ForwardingEnabled
	b.ForwardingExtensionID = int64Ptr(10)
	store.add(b)
	store.add(simpleExt(11, "1001"))

	_, _, err := discover(t, store, "1001", "1000")

	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindForwardLoop {
		t.Fatalf("Discover() error = %v, want FORWARD_LOOP", err)
	}
}

func TestDiscoverForwardDepthLimit(t *testing.T) {
	// A forward chain one longer than the limit must fail, the limit
	// itself must pass.
	build := func(length int) *fakeStore {
		store := newFakeStore()
		store.add(simpleExt(1, "1001"))
		for i := 0; i < length; i++ {
			id := int64(100 + i)
			ext := simpleExt(id, "20"+string(rune('0'+i/10))+string(rune('0'+i%10)))
			if i < length-1 {
				ext.ForwardingMode = models.ForwardingEnabled
				ext.ForwardingExtensionID = int64Ptr(id + 1)
			}
			store.add(ext)
		}
		return store
	}

	limit := 4
	ok := build(limit + 1) // limit forwards end at a plain extension
	call := NewCallContext(testCallID, "1001", "2000")
	if _, err := NewBuilder(ok, limit, nil).Discover(context.Background(), call); err != nil {
		t.Fatalf("chain of %d forwards should pass limit %d, got %v", limit, limit, err)
	}

	tooLong := build(limit + 2)
	call = NewCallContext(testCallID, "1001", "2000")
	_, err := NewBuilder(tooLong, limit, nil).Discover(context.Background(), call)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindForwardLoop {
		t.Fatalf("chain of %d forwards with limit %d: error = %v, want FORWARD_LOOP",
			limit+1, limit, err)
	}
}

func TestDiscoverConditionalForwardHasNoChild(t *testing.T) {
	store := newFakeStore()
	ext := simpleExt(10, "1000")
	ext.ForwardingMode = models.ForwardingOnBusy
	ext.ForwardingExtensionID = int64Ptr(12)
	ext.ForwardingDelay = intPtr(5)
	store.add(ext)
	store.add(simpleExt(11, "1001"))
	store.add(simpleExt(12, "1002"))

	_, root := mustDiscover(t, store, "1001", "1000")

	if root.Forward != nil || len(root.Ranks) != 0 {
		t.Fatalf("conditional forward must not expand the tree, got %+v", root)
	}
	fc := root.ForwardCondition
	if fc == nil || fc.Mode != models.ForwardingOnBusy || fc.Number != "1002" || fc.Delay != 5 {
		t.Errorf("forward condition = %+v, want ON_BUSY to 1002 after 5s", fc)
	}
}

func TestDiscoverStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")

	_, _, err := discover(t, store, "1001", "1000")

	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindStoreUnavailable {
		t.Fatalf("Discover() error = %v, want STORE_UNAVAILABLE", err)
	}
}

func TestDiscoverDeterministicTreePaths(t *testing.T) {
	store := newFakeStore()
	store.add(simpleExt(10, "1000"))
	store.add(simpleExt(11, "1001"))
	store.add(simpleExt(12, "1002"))
	store.add(groupExt(20, "2000"))
	store.addRank(20, 0, 0, models.RankModeDefault,
		models.RankMember{ExtensionID: 10, Active: true, Type: models.MemberTypeDefault},
		models.RankMember{ExtensionID: 12, Active: true, Type: models.MemberTypeDefault},
	)

	paths := func() []string {
		_, root := mustDiscover(t, store, "1001", "2000")
		var out []string
		for _, m := range root.Ranks[0].Members {
			out = append(out, m.Node.TreePath)
		}
		return out
	}

	first := paths()
	for i := 0; i < 10; i++ {
		again := paths()
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("tree paths changed between runs: %v vs %v", first, again)
			}
		}
	}
}

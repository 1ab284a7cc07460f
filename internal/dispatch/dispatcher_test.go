package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/epvx/routingd/internal/cache"
	"github.com/epvx/routingd/internal/database/models"
	"github.com/epvx/routingd/internal/routing"
)

type fakeStore struct {
	byNumber map[string]*models.Extension
	byID     map[int64]*models.Extension
	ranks    map[int64][]models.ForkRank
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byNumber: make(map[string]*models.Extension),
		byID:     make(map[int64]*models.Extension),
		ranks:    make(map[int64][]models.ForkRank),
	}
}

func (s *fakeStore) add(ext *models.Extension) {
	s.byNumber[ext.Number] = ext
	s.byID[ext.ID] = ext
}

func (s *fakeStore) ExtensionByNumber(_ context.Context, number string) (*models.Extension, error) {
	return s.byNumber[number], nil
}

func (s *fakeStore) ExtensionByID(_ context.Context, id int64) (*models.Extension, error) {
	return s.byID[id], nil
}

func (s *fakeStore) ForkRanks(_ context.Context, extensionID int64) ([]models.ForkRank, error) {
	return s.ranks[extensionID], nil
}

func int64Ptr(v int64) *int64 { return &v }

func testStore() *fakeStore {
	store := newFakeStore()
	store.add(&models.Extension{
		ID: 10, Number: "1000", Name: "alice", YateID: int64Ptr(1),
		Type: models.TypeSimple, ForwardingMode: models.ForwardingDisabled,
	})
	store.add(&models.Extension{
		ID: 11, Number: "1001", Name: "bob", YateID: int64Ptr(1),
		Type: models.TypeSimple, ForwardingMode: models.ForwardingDisabled,
	})
	store.add(&models.Extension{
		ID: 20, Number: "2000", Name: "poc",
		Type: models.TypeGroup, ForwardingMode: models.ForwardingDisabled,
	})
	store.ranks[20] = []models.ForkRank{{
		ID: 1, ExtensionID: 20, Index: 0, Mode: models.RankModeDefault,
		Members: []models.RankMember{
			{ExtensionID: 10, Active: true, Type: models.MemberTypeDefault},
			{ExtensionID: 11, Active: true, Type: models.MemberTypeDefault},
		},
	}}
	return store
}

func newTestDispatcher(store routing.Store, c cache.Cache) *Dispatcher {
	return New(store, c, Options{
		CacheTTL:       time.Minute,
		RequestTimeout: 2 * time.Second,
		Generator: routing.GeneratorConfig{
			LocalServerID: 1,
			DialoutTarget: "sip/sip:{number}@gw.example.net",
		},
	}, nil, nil)
}

func TestRouteGeneratesCallID(t *testing.T) {
	d := newTestDispatcher(testStore(), cache.NewMemory())

	outcome, err := d.Route(context.Background(), "1001", "1000", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(outcome.CallID) != 32 {
		t.Errorf("generated call id = %q, want 32 hex chars", outcome.CallID)
	}
	if outcome.Main == nil || outcome.Main.Target.Target != "lateroute/1000" {
		t.Errorf("main result = %+v", outcome.Main)
	}
}

func TestRoutePersistsInnerNodes(t *testing.T) {
	mem := cache.NewMemory()
	d := newTestDispatcher(testStore(), mem)

	outcome, err := d.Route(context.Background(), "1001", "2000", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	if mem.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1 (the root fork)", mem.Len())
	}
	payload, err := mem.Get(context.Background(), outcome.CallID, "1")
	if err != nil {
		t.Fatalf("root fork not cached: %v", err)
	}
	var cached routing.Result
	if err := json.Unmarshal(payload, &cached); err != nil {
		t.Fatalf("cached payload does not unmarshal: %v", err)
	}
	if !reflect.DeepEqual(&cached, outcome.All["1"]) {
		t.Errorf("cached result differs from the returned one")
	}
}

func TestRouteFailureLeavesNoCacheEntries(t *testing.T) {
	mem := cache.NewMemory()
	d := newTestDispatcher(testStore(), mem)

	outcome, err := d.Route(context.Background(), "1001", "9999", "")

	var rerr *routing.Error
	if !errors.As(err, &rerr) || rerr.Kind != routing.KindNoRoute {
		t.Fatalf("Route() error = %v, want NO_ROUTE", err)
	}
	if mem.Len() != 0 {
		t.Errorf("failed request wrote %d cache entries", mem.Len())
	}
	if outcome == nil || outcome.CallID == "" {
		t.Errorf("outcome should still identify the call")
	}
}

func TestRoutePartialTreeOnFailure(t *testing.T) {
	store := testStore()
	// Forward cycle between 1000 and 1002.
	fwd := &models.Extension{
		ID: 12, Number: "1002", YateID: int64Ptr(1),
		Type:                  models.TypeSimple,
		ForwardingMode:        models.ForwardingEnabled,
		ForwardingExtensionID: int64Ptr(10),
	}
	store.add(fwd)
	store.byID[10].ForwardingMode = models.ForwardingEnabled
	store.byID[10].ForwardingExtensionID = int64Ptr(12)

	d := newTestDispatcher(store, cache.NewMemory())
	outcome, err := d.Route(context.Background(), "1001", "1000", "")

	var rerr *routing.Error
	if !errors.As(err, &rerr) || rerr.Kind != routing.KindForwardLoop {
		t.Fatalf("Route() error = %v, want FORWARD_LOOP", err)
	}
	if outcome.Tree == nil {
		t.Errorf("outcome should carry the partial tree for diagnostics")
	}
}

func TestLateRouteRoundTrip(t *testing.T) {
	mem := cache.NewMemory()
	d := newTestDispatcher(testStore(), mem)

	outcome, err := d.Route(context.Background(), "1001", "2000", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	name := routing.SymbolicName(outcome.CallID, "1")
	result, err := d.LateRoute(context.Background(), name)
	if err != nil {
		t.Fatalf("LateRoute(%q) error = %v", name, err)
	}
	if !reflect.DeepEqual(result, outcome.All["1"]) {
		t.Errorf("late-routed result differs from the computed one")
	}
}

func TestLateRouteMissIsGone(t *testing.T) {
	d := newTestDispatcher(testStore(), cache.NewMemory())

	name := routing.SymbolicName(NewCallID(), "1")
	_, err := d.LateRoute(context.Background(), name)

	var rerr *routing.Error
	if !errors.As(err, &rerr) || rerr.Kind != routing.KindGone {
		t.Fatalf("LateRoute() error = %v, want GONE", err)
	}
}

func TestLateRouteBadName(t *testing.T) {
	d := newTestDispatcher(testStore(), cache.NewMemory())

	_, err := d.LateRoute(context.Background(), "stage1-nonsense")

	var rerr *routing.Error
	if !errors.As(err, &rerr) || rerr.Kind != routing.KindGone {
		t.Fatalf("LateRoute() error = %v, want GONE", err)
	}
}

func TestNewCallID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewCallID()
		if len(id) != 32 {
			t.Fatalf("NewCallID() = %q, want 32 hex chars", id)
		}
		for _, r := range id {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				t.Fatalf("NewCallID() = %q contains non-hex %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("NewCallID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestRouteReusesProvidedCallID(t *testing.T) {
	d := newTestDispatcher(testStore(), cache.NewMemory())

	const id = "feedfacefeedfacefeedfacefeedface"
	outcome, err := d.Route(context.Background(), "1001", "1000", id)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if outcome.CallID != id {
		t.Errorf("call id = %s, want the provided %s", outcome.CallID, id)
	}
	if got := outcome.Main.Target.Parameters["x_eventphone_id"]; got != id {
		t.Errorf("x_eventphone_id = %s, want %s", got, id)
	}
}

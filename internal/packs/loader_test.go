// ABOUTME: Tests for capability loading, namespacing, retry, and dispatch.
// ABOUTME: Uses in-memory connector listers and scripted tool clients.

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/2389/coven-connect/internal/mcp"
	"github.com/2389/coven-connect/internal/store"
)

const testRetryDelay = 20 * time.Millisecond

type fakeLister struct {
	conns []*store.Connector
	err   error
}

func (f *fakeLister) ListLoadable(ctx context.Context, ownerID string) ([]*store.Connector, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.Connector
	for _, c := range f.conns {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

// scriptedClient fails with errs in order, then succeeds.
type scriptedClient struct {
	mu        sync.Mutex
	tools     []store.ToolInfo
	errs      []error
	attempts  int
	callNames []string
}

func (c *scriptedClient) next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func (c *scriptedClient) ListTools(ctx context.Context) ([]store.ToolInfo, error) {
	if err := c.next(); err != nil {
		return nil, err
	}
	return c.tools, nil
}

func (c *scriptedClient) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := c.next(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.callNames = append(c.callNames, name)
	c.mu.Unlock()
	return json.RawMessage(`{"called":"` + name + `"}`), nil
}

func (c *scriptedClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func always(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func testConnector(id, name string, tools ...string) *store.Connector {
	c := &store.Connector{ID: id, OwnerID: "alice", Name: name, Active: true, Verified: true}
	for _, t := range tools {
		c.Tools = append(c.Tools, store.ToolInfo{Name: t, InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	return c
}

func newTestLoader(t *testing.T, conns []*store.Connector, clients map[string]*scriptedClient, system ...*SystemCapability) *Loader {
	t.Helper()
	reg := NewRegistry(nil)
	if len(system) > 0 {
		if err := reg.RegisterBuiltinPack(&BuiltinPack{ID: "builtin:test", Capabilities: system}); err != nil {
			t.Fatalf("registering builtins: %v", err)
		}
	}
	l, err := NewLoader(LoaderConfig{
		System:     reg,
		Connectors: &fakeLister{conns: conns},
		Dial: func(c *store.Connector) (ToolClient, error) {
			client, ok := clients[c.ID]
			if !ok {
				return nil, fmt.Errorf("no client for %s", c.ID)
			}
			return client, nil
		},
		QueryTimeout: time.Second,
		RetryDelay:   testRetryDelay,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func names(caps *Capabilities) []string {
	out := make([]string, 0, len(caps.Tools))
	for _, c := range caps.Tools {
		out = append(out, c.Name)
	}
	return out
}

func TestLoadCapabilities_Namespacing(t *testing.T) {
	conns := []*store.Connector{testConnector("c1", "GitHub"), testConnector("c2", "Linear")}
	clients := map[string]*scriptedClient{
		"c1": {tools: []store.ToolInfo{{Name: "search"}, {Name: "list_repos"}}},
		"c2": {tools: []store.ToolInfo{{Name: "search"}}},
	}
	l := newTestLoader(t, conns, clients, testCapability("inventory_list_items", true), testCapability("hidden", false))

	caps, err := l.LoadCapabilities(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}

	want := []string{"inventory_list_items", "GitHub: search", "GitHub: list_repos", "Linear: search"}
	got := names(caps)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	seen := map[string]bool{}
	for _, n := range got {
		if seen[n] {
			t.Errorf("duplicate capability name %q", n)
		}
		seen[n] = true
	}

	c, ok := caps.Lookup("Linear: search")
	if !ok {
		t.Fatal("expected Linear: search to resolve")
	}
	if c.Source.Kind != SourceConnector || c.Source.ConnectorID != "c2" || c.RawName != "search" {
		t.Errorf("unexpected source: %+v raw=%s", c.Source, c.RawName)
	}

	sys, _ := caps.Lookup("inventory_list_items")
	if sys.Source.Kind != SourceSystem {
		t.Errorf("expected system source, got %+v", sys.Source)
	}
}

func TestLoadCapabilities_OtherOwnersConnectorsIgnored(t *testing.T) {
	bob := testConnector("c9", "Bob's")
	bob.OwnerID = "bob"
	clients := map[string]*scriptedClient{"c9": {tools: []store.ToolInfo{{Name: "x"}}}}
	l := newTestLoader(t, []*store.Connector{bob}, clients)

	caps, err := l.LoadCapabilities(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if len(caps.Tools) != 0 || clients["c9"].Attempts() != 0 {
		t.Errorf("expected nothing from bob's connector, got %v", names(caps))
	}
}

func TestLoadCapabilities_RetriesTransientOnce(t *testing.T) {
	client := &scriptedClient{
		tools: []store.ToolInfo{{Name: "search"}},
		errs:  []error{fmt.Errorf("%w: slow", mcp.ErrTimeout)},
	}
	l := newTestLoader(t, []*store.Connector{testConnector("c1", "GitHub")}, map[string]*scriptedClient{"c1": client})

	start := time.Now()
	caps, err := l.LoadCapabilities(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if client.Attempts() != 2 {
		t.Errorf("expected 2 attempts, got %d", client.Attempts())
	}
	if time.Since(start) < testRetryDelay {
		t.Errorf("retry happened before the delay elapsed")
	}
	if len(caps.Unavailable) != 0 || len(caps.Tools) != 1 {
		t.Errorf("expected recovered connector, got tools=%v unavailable=%v", names(caps), caps.Unavailable)
	}
}

// One connector never answers; the other is healthy. The turn still gets the
// healthy connector's tools and the system capabilities.
func TestLoadCapabilities_SkipsAfterSecondFailure(t *testing.T) {
	bad := &scriptedClient{errs: always(fmt.Errorf("%w: refused", mcp.ErrConnection), 5)}
	good := &scriptedClient{tools: []store.ToolInfo{{Name: "list_issues"}}}
	conns := []*store.Connector{testConnector("c1", "Flaky"), testConnector("c2", "Linear")}
	l := newTestLoader(t, conns, map[string]*scriptedClient{"c1": bad, "c2": good}, testCapability("inventory_list_items", true))

	caps, err := l.LoadCapabilities(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if bad.Attempts() != 2 {
		t.Errorf("expected exactly 2 attempts on the failing connector, got %d", bad.Attempts())
	}
	if good.Attempts() != 1 {
		t.Errorf("expected 1 attempt on the healthy connector, got %d", good.Attempts())
	}
	if len(caps.Unavailable) != 1 || caps.Unavailable[0] != "Flaky" {
		t.Errorf("expected Flaky unavailable, got %v", caps.Unavailable)
	}
	if fmt.Sprint(names(caps)) != fmt.Sprint([]string{"inventory_list_items", "Linear: list_issues"}) {
		t.Errorf("unexpected capabilities: %v", names(caps))
	}
}

// rendezvousClient answers ListTools only once every client sharing its
// barrier has been asked, so it succeeds only when the queries overlap.
type rendezvousClient struct {
	scriptedClient
	arrived *sync.WaitGroup
	all     <-chan struct{}
}

func (c *rendezvousClient) ListTools(ctx context.Context) ([]store.ToolInfo, error) {
	c.arrived.Done()
	select {
	case <-c.all:
		return c.tools, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLoadCapabilities_QueriesConnectorsConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()
	clients := map[string]ToolClient{
		"c1": &rendezvousClient{scriptedClient: scriptedClient{tools: []store.ToolInfo{{Name: "search"}}}, arrived: &arrived, all: all},
		"c2": &rendezvousClient{scriptedClient: scriptedClient{tools: []store.ToolInfo{{Name: "search"}}}, arrived: &arrived, all: all},
	}
	const queryTimeout = 2 * time.Second
	l, err := NewLoader(LoaderConfig{
		System:     NewRegistry(nil),
		Connectors: &fakeLister{conns: []*store.Connector{testConnector("c1", "GitHub"), testConnector("c2", "Linear")}},
		Dial: func(c *store.Connector) (ToolClient, error) {
			return clients[c.ID], nil
		},
		QueryTimeout: queryTimeout,
		RetryDelay:   testRetryDelay,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	start := time.Now()
	caps, err := l.LoadCapabilities(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= queryTimeout {
		t.Errorf("expected connectors queried in parallel, load took %v", elapsed)
	}
	if len(caps.Unavailable) != 0 {
		t.Fatalf("expected both connectors available, got unavailable=%v", caps.Unavailable)
	}
	if fmt.Sprint(names(caps)) != fmt.Sprint([]string{"GitHub: search", "Linear: search"}) {
		t.Errorf("unexpected capabilities: %v", names(caps))
	}
}

func TestLoadCapabilities_NonTransientNotRetried(t *testing.T) {
	client := &scriptedClient{errs: always(mcp.ErrUnauthorized, 5)}
	l := newTestLoader(t, []*store.Connector{testConnector("c1", "GitHub")}, map[string]*scriptedClient{"c1": client})

	caps, err := l.LoadCapabilities(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if client.Attempts() != 1 {
		t.Errorf("expected 1 attempt, got %d", client.Attempts())
	}
	if len(caps.Unavailable) != 1 {
		t.Errorf("expected connector to be unavailable")
	}
}

func TestLoadCapabilities_DedupesDuplicateTools(t *testing.T) {
	client := &scriptedClient{tools: []store.ToolInfo{{Name: "search"}, {Name: "search"}}}
	l := newTestLoader(t, []*store.Connector{testConnector("c1", "GitHub")}, map[string]*scriptedClient{"c1": client})

	caps, err := l.LoadCapabilities(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if len(caps.Tools) != 1 {
		t.Errorf("expected duplicate dropped, got %v", names(caps))
	}
}

func TestLoadCapabilities_ListError(t *testing.T) {
	l, err := NewLoader(LoaderConfig{
		System:     NewRegistry(nil),
		Connectors: &fakeLister{err: errors.New("db down")},
		Dial:       func(*store.Connector) (ToolClient, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, err := l.LoadCapabilities(context.Background(), "alice"); err == nil {
		t.Fatal("expected error when connectors cannot be listed")
	}
}

func TestInvoke_ConnectorUsesRawName(t *testing.T) {
	client := &scriptedClient{}
	l := newTestLoader(t, []*store.Connector{testConnector("c1", "GitHub", "list_repos")}, map[string]*scriptedClient{"c1": client})

	out, err := l.Invoke(context.Background(), "alice", "GitHub: list_repos", json.RawMessage(`{"org":"2389"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"called":"list_repos"}` {
		t.Errorf("unexpected output %s", out)
	}
}

func TestInvoke_RetriesTransientOnce(t *testing.T) {
	client := &scriptedClient{errs: always(fmt.Errorf("%w: reset", mcp.ErrConnection), 2)}
	l := newTestLoader(t, []*store.Connector{testConnector("c1", "GitHub", "list_repos")}, map[string]*scriptedClient{"c1": client})

	_, err := l.Invoke(context.Background(), "alice", "GitHub: list_repos", nil)
	if !errors.Is(err, mcp.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if client.Attempts() != 2 {
		t.Errorf("expected 2 attempts, got %d", client.Attempts())
	}
}

func TestInvoke_UnknownCapability(t *testing.T) {
	l := newTestLoader(t, []*store.Connector{testConnector("c1", "GitHub", "list_repos")}, map[string]*scriptedClient{"c1": {}}, testCapability("off", false))

	for _, name := range []string{"nope", "GitHub: nope", "GitHub: ", "Linear: list_repos", "off"} {
		if _, err := l.Invoke(context.Background(), "alice", name, nil); !errors.Is(err, ErrToolNotFound) {
			t.Errorf("%q: expected ErrToolNotFound, got %v", name, err)
		}
	}
}

func TestExecute_ValidatesArguments(t *testing.T) {
	called := false
	sc := testCapability("inventory_add_item", true)
	sc.InputSchema = json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	sc.Handler = func(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`{"ok":true}`), nil
	}
	l := newTestLoader(t, nil, nil, sc)

	tests := []struct {
		args    string
		wantErr bool
	}{
		{`{"name":"widget"}`, false},
		{`{}`, true},
		{`{"name":42}`, true},
		{`[1,2]`, true},
		{`not json`, true},
	}
	for _, tt := range tests {
		called = false
		_, err := l.Invoke(context.Background(), "alice", "inventory_add_item", json.RawMessage(tt.args))
		if tt.wantErr {
			var argErr *ArgumentError
			if !errors.As(err, &argErr) {
				t.Errorf("%s: expected ArgumentError, got %v", tt.args, err)
			}
			if called {
				t.Errorf("%s: handler ran despite invalid arguments", tt.args)
			}
			continue
		}
		if err != nil || !called {
			t.Errorf("%s: expected success, got %v", tt.args, err)
		}
	}
}

func TestExecute_BrokenSchemaIsSkipped(t *testing.T) {
	c := testConnector("c1", "GitHub", "list_repos")
	c.Tools[0].InputSchema = json.RawMessage(`{"type": 12}`)
	l := newTestLoader(t, []*store.Connector{c}, map[string]*scriptedClient{"c1": {}})

	if _, err := l.Invoke(context.Background(), "alice", "GitHub: list_repos", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected call to proceed, got %v", err)
	}
}

func TestExecute_SchemaRefsNotFollowed(t *testing.T) {
	c := testConnector("c1", "GitHub", "list_repos")
	c.Tools[0].InputSchema = json.RawMessage(`{"$ref":"file:///etc/passwd"}`)
	client := &scriptedClient{}
	l := newTestLoader(t, []*store.Connector{c}, map[string]*scriptedClient{"c1": client})

	if _, err := l.Invoke(context.Background(), "alice", "GitHub: list_repos", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected call to proceed without the schema, got %v", err)
	}
}

func TestToolProvider(t *testing.T) {
	destructive := testCapability("inventory_delete_item", true)
	destructive.Irreversible = true
	l := newTestLoader(t, nil, nil, testCapability("inventory_list_items", true), destructive)
	p := NewToolProvider(l, func(c *Capability) bool { return c.Irreversible })

	tools, err := p.ListTools(context.Background(), "alice")
	if err != nil || len(tools) != 2 {
		t.Fatalf("ListTools: %v %v", tools, err)
	}

	if _, err := p.CallTool(context.Background(), "alice", "inventory_list_items", nil); err != nil {
		t.Errorf("expected reversible call to run, got %v", err)
	}

	_, err = p.CallTool(context.Background(), "alice", "inventory_delete_item", nil)
	var confirmErr *ConfirmationRequiredError
	if !errors.As(err, &confirmErr) || confirmErr.ErrorCode() != "CONFIRMATION_REQUIRED" {
		t.Errorf("expected ConfirmationRequiredError, got %v", err)
	}
}

package domspy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

var testImpl = &mcp.Implementation{Name: "domspy-test", Version: "0.1.0"}

// mcpSession registers the tools of h's Spier and returns a connected
// client session.
func mcpSession(t *testing.T, h *harness) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	h.spier.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, error) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	if result.IsError {
		return tc.Text, errors.New(tc.Text)
	}
	return tc.Text, nil
}

func mustCall(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	text, err := callTool(t, session, name, args)
	if err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	return text
}

func TestMCP_WatchActiveUpdate(t *testing.T) {
	h := newHarness(t, nil)
	session := mcpSession(t, h)

	text := mustCall(t, session, "domspy_watch", map[string]any{
		"id": "guide", "url": docURL, "container": "#content",
	})
	var st PageStatus
	json.Unmarshal([]byte(text), &st)
	if st.ID != "guide" || st.ActiveID != "x" {
		t.Errorf("domspy_watch: %s", text)
	}
	h.expectActive(t, "x")

	h.doc.SetRatio(h.doc.FindByID("y"), 0.8)
	h.expectActive(t, "y")

	var active activeResponse
	json.Unmarshal([]byte(mustCall(t, session, "domspy_active", map[string]any{"page_id": "guide"})), &active)
	if active.ActiveID != "y" || !active.Known {
		t.Errorf("domspy_active: %+v", active)
	}

	var sec Section
	json.Unmarshal([]byte(mustCall(t, session, "domspy_section", map[string]any{"page_id": "guide"})), &sec)
	if sec.ActiveID != "y" || !strings.Contains(sec.Markdown, "Usage") {
		t.Errorf("domspy_section: %+v", sec)
	}

	text = mustCall(t, session, "domspy_update", map[string]any{"page_id": "guide", "root_margin": "-30% 0px -60% 0px"})
	json.Unmarshal([]byte(text), &st)
	if st.RootMargin != "-30% 0px -60% 0px" || st.Generation != 2 {
		t.Errorf("domspy_update: %s", text)
	}
	if _, err := callTool(t, session, "domspy_update", map[string]any{"page_id": "guide", "root_margin": "1em"}); err == nil {
		t.Error("domspy_update with em margin: want tool error")
	}

	var pages []PageStatus
	json.Unmarshal([]byte(mustCall(t, session, "domspy_pages", map[string]any{})), &pages)
	if len(pages) != 1 || pages[0].ID != "guide" {
		t.Errorf("domspy_pages: %+v", pages)
	}

	mustCall(t, session, "domspy_unwatch", map[string]any{"page_id": "guide"})
	if _, err := callTool(t, session, "domspy_active", map[string]any{"page_id": "guide"}); err == nil || !strings.Contains(err.Error(), "unknown page") {
		t.Errorf("domspy_active after unwatch: got %v", err)
	}
}

func TestMCP_Replay(t *testing.T) {
	h := newHarness(t, nil)
	session := mcpSession(t, h)

	text := mustCall(t, session, "domspy_replay", map[string]any{
		"html":   guide,
		"script": "page: {container: \"#content\"}\nsteps:\n  - ratio: {z: 1}\n  - ratio: {z: 0}\n",
	})
	var evs []change.Event
	if err := json.Unmarshal([]byte(text), &evs); err != nil {
		t.Fatalf("decode %s: %v", text, err)
	}
	if got := activeIDs(evs); len(got) != 3 || got[0] != "x" || got[1] != "z" || got[2] != "x" {
		t.Errorf("replayed ids: %v", got)
	}

	if _, err := callTool(t, session, "domspy_replay", map[string]any{"script": "steps: []"}); err == nil {
		t.Error("domspy_replay without html: want tool error")
	}
}

package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stupiduntilnot/relay/internal/db"
)

// testDB creates a temporary SQLite database with schema initialized.
func testDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database, path
}

// seedRelayTree inserts a relay run and returns its root event ID.
//
//	process.started (relay)          id=1
//	├── respond.started chat=123     id=2
//	│   ├── completion.succeeded     id=3
//	│   └── reply.sent               id=4
//	├── session.reset chat=456       id=5
//	├── respond.started chat=456     id=6
//	│   ├── completion.failed        id=7
//	│   └── reply.failed             id=8
//	├── circuit.opened               id=9
//	└── process.stopped              id=10
func seedRelayTree(t *testing.T, database *sql.DB) int64 {
	t.Helper()
	must := func(id int64, err error) int64 {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return id
	}

	root := must(db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "relay", "pid": 100}))
	r1 := must(db.LogEvent(database, &root, db.EventRespondStarted, map[string]any{"chat_id": 123, "history_turns": 1}))
	must(db.LogEvent(database, &r1, db.EventCompletionSucceeded, map[string]any{"latency_ms": 1820, "input_tokens": 42, "output_tokens": 7}))
	must(db.LogEvent(database, &r1, db.EventReplySent, map[string]any{"chat_id": 123, "update_id": 1}))
	must(db.LogEvent(database, &root, db.EventSessionReset, map[string]any{"chat_id": 456, "dropped_turns": 4}))
	r2 := must(db.LogEvent(database, &root, db.EventRespondStarted, map[string]any{"chat_id": 456, "history_turns": 1}))
	must(db.LogEvent(database, &r2, db.EventCompletionFailed, map[string]any{"error_class": "transport_error", "error": strings.Repeat("x", 120)}))
	must(db.LogEvent(database, &r2, db.EventReplyFailed, map[string]any{"chat_id": 456}))
	must(db.LogEvent(database, &root, db.EventCircuitOpened, map[string]any{"error_class": "command_source_api"}))
	must(db.LogEvent(database, &root, db.EventProcessStopped, map[string]any{"conversations": 2}))
	return root
}

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestLatestRelayRoot(t *testing.T) {
	database, _ := testDB(t)
	rootID := seedRelayTree(t, database)

	got, err := latestRelayRoot(database)
	if err != nil {
		t.Fatal(err)
	}
	if got != rootID {
		t.Errorf("expected root id=%d, got %d", rootID, got)
	}
}

func TestLatestRelayRoot_NoEvents(t *testing.T) {
	database, _ := testDB(t)
	if _, err := latestRelayRoot(database); err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestLatestRelayRoot_PicksLatest(t *testing.T) {
	database, _ := testDB(t)
	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "relay", "pid": 100})
	second, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "relay", "pid": 200})
	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "other"})

	got, err := latestRelayRoot(database)
	if err != nil {
		t.Fatal(err)
	}
	if got != second {
		t.Errorf("expected latest relay id=%d, got %d", second, got)
	}
}

func TestQuerySubtree(t *testing.T) {
	database, _ := testDB(t)
	rootID := seedRelayTree(t, database)

	events, err := querySubtree(database, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 10 {
		t.Errorf("expected 10 events, got %d", len(events))
	}

	events, err = querySubtree(database, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events under respond.started id=6, got %d", len(events))
	}
}

func TestBuildTree(t *testing.T) {
	database, _ := testDB(t)
	rootID := seedRelayTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)
	if root == nil {
		t.Fatal("root is nil")
	}
	if root.EventType != db.EventProcessStarted {
		t.Errorf("expected process.started, got %s", root.EventType)
	}
	if len(root.Children) != 5 {
		t.Fatalf("expected 5 root children, got %d", len(root.Children))
	}
	respond := root.Children[0]
	if respond.EventType != db.EventRespondStarted || len(respond.Children) != 2 {
		t.Fatalf("unexpected first child %s with %d children", respond.EventType, len(respond.Children))
	}
	if respond.Children[0].EventType != db.EventCompletionSucceeded || respond.Children[1].EventType != db.EventReplySent {
		t.Errorf("children out of order: %s, %s", respond.Children[0].EventType, respond.Children[1].EventType)
	}
}

func TestPruneToChat(t *testing.T) {
	database, _ := testDB(t)
	rootID := seedRelayTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)
	pruneToChat(root, 456)

	if len(root.Children) != 2 {
		t.Fatalf("expected reset and respond branches, got %d", len(root.Children))
	}
	if root.Children[0].EventType != db.EventSessionReset || root.Children[1].EventType != db.EventRespondStarted {
		t.Errorf("unexpected branches %s, %s", root.Children[0].EventType, root.Children[1].EventType)
	}
	if len(root.Children[1].Children) != 2 {
		t.Errorf("matching branch must be kept whole")
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: "respond.started",
		Payload:   sql.NullString{String: `{"chat_id":123,"history_turns":5}`, Valid: true},
	}

	line := formatEvent(ev, false)
	for _, want := range []string{"[42]", "2025-02-17", "respond.started", "chat_id=123", "history_turns=5"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in output: %s", want, line)
		}
	}

	if strings.Contains(formatEvent(ev, true), "chat_id") {
		t.Error("expected no payload with noPayload")
	}

	ev.Payload = sql.NullString{}
	if !strings.HasSuffix(formatEvent(ev, false), "respond.started") {
		t.Errorf("null payload should print the bare line: %s", formatEvent(ev, false))
	}
}

func TestFormatValue(t *testing.T) {
	if v := formatValue(strings.Repeat("é", 100)); !strings.HasSuffix(v, `..."`) || strings.Count(v, "é") != 80 {
		t.Errorf("expected quoted 80-rune truncation, got %s", v)
	}
	if v := formatValue(float64(42)); v != "42" {
		t.Errorf("expected 42, got %s", v)
	}
	if v := formatValue(0.25); v != "0.25" {
		t.Errorf("expected 0.25, got %s", v)
	}
	if v := formatValue(true); v != "true" {
		t.Errorf("expected true, got %s", v)
	}
}

func TestRun_FullTree(t *testing.T) {
	database, path := testDB(t)
	seedRelayTree(t, database)

	out, stderr, code := runCLI(t, "--db", path)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{
		"process.started", "respond.started", "completion.succeeded",
		"reply.sent", "session.reset", "completion.failed", "reply.failed",
		"circuit.opened", "process.stopped", "role=relay",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "├──") || !strings.Contains(out, "│   └──") {
		t.Errorf("expected tree characters:\n%s", out)
	}
}

func TestRun_DepthLimit(t *testing.T) {
	database, path := testDB(t)
	seedRelayTree(t, database)

	out, _, code := runCLI(t, "--db", path, "-L", "2")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if strings.Contains(out, "completion.succeeded") {
		t.Errorf("completion.succeeded should be hidden at -L 2:\n%s", out)
	}
	if !strings.Contains(out, "[...]") {
		t.Errorf("expected [...] for truncated nodes:\n%s", out)
	}

	out, _, _ = runCLI(t, "--db", path, "--depth", "1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Errorf("expected root + [...], got %d lines:\n%s", len(lines), out)
	}
}

func TestRun_SubtreeByID(t *testing.T) {
	database, path := testDB(t)
	seedRelayTree(t, database)

	out, _, code := runCLI(t, "--db", path, "--id", "6")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.Contains(lines[0], "respond.started") {
		t.Errorf("expected respond.started subtree:\n%s", out)
	}
	if strings.Contains(out, "circuit.opened") {
		t.Errorf("sibling events leaked into subtree:\n%s", out)
	}
}

func TestRun_JSON(t *testing.T) {
	database, path := testDB(t)
	seedRelayTree(t, database)

	out, _, code := runCLI(t, "--db", path, "--json", "-L", "2")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var je jsonEvent
	if err := json.Unmarshal([]byte(out), &je); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if je.EventType != "process.started" || len(je.Children) != 5 {
		t.Fatalf("unexpected root %s with %d children", je.EventType, len(je.Children))
	}
	for _, child := range je.Children {
		if len(child.Children) > 0 {
			t.Errorf("expected no grandchildren at -L 2: %s has %d", child.EventType, len(child.Children))
		}
	}

	out, _, _ = runCLI(t, "--db", path, "--json", "--no-payload")
	if strings.Contains(out, `"role"`) {
		t.Errorf("expected no payload:\n%s", out)
	}
}

func TestRun_ChatFilter(t *testing.T) {
	database, path := testDB(t)
	seedRelayTree(t, database)

	out, _, code := runCLI(t, "--db", path, "--chat", strconv.Itoa(123))
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if strings.Contains(out, "session.reset") || !strings.Contains(out, "reply.sent") {
		t.Errorf("unexpected filtered output:\n%s", out)
	}
}

func TestRun_ListRuns(t *testing.T) {
	database, path := testDB(t)
	seedRelayTree(t, database)
	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "relay", "pid": 200})

	out, _, code := runCLI(t, "--db", path, "--runs")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "pid=200") {
		t.Errorf("expected newest run first:\n%s", out)
	}
}

func TestRun_Errors(t *testing.T) {
	_, path := testDB(t)

	_, stderr, code := runCLI(t, "--db", path)
	if code != 1 || !strings.Contains(stderr, "no relay process.started") {
		t.Errorf("expected missing root error, code=%d stderr=%s", code, stderr)
	}

	_, stderr, code = runCLI(t, "--db", path, "--id", "999")
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Errorf("expected not found error, code=%d stderr=%s", code, stderr)
	}

	if _, _, code := runCLI(t, "--bogus"); code != 2 {
		t.Errorf("expected usage exit code 2, got %d", code)
	}
}

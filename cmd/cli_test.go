package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mycelica/hypha/internal/rpc"
)

type cell struct {
	Value string `json:"value"`
}

type column struct {
	Title string `json:"title"`
}

func wireTable(columns []string, rows ...[]string) map[string]any {
	cols := make([]column, len(columns))
	for i, c := range columns {
		cols[i] = column{c}
	}
	out := make([][]cell, len(rows))
	for i, r := range rows {
		for _, v := range r {
			out[i] = append(out[i], cell{v})
		}
	}
	return map[string]any{"columns": cols, "rows": out}
}

// entityServer answers the calls a sync, a details request and a logout
// make, for two categories holding one entity each.
func entityServer(t *testing.T) http.Handler {
	roots := map[string][]string{
		"N-1": {"E-1", "ref-1", "Oligos", "gfp primer"},
		"N-2": {"E-2", "ref-2", "Plasmids", "pUC19 vector"},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     string            `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var ids []string
		if len(req.Params) > 1 {
			_ = json.Unmarshal(req.Params[1], &ids)
		}

		var result any
		switch req.Method {
		case "login":
			result = "tok"
		case "clientPreferences":
			result = wireTable([]string{"KEY", "VALUE"}, []string{"ROOT_SET_REFRESH_INTERVAL", "600"})
		case "listNavigationalEntities":
			result = wireTable([]string{"PERM_ID", "REFCON", "CATEGORY"},
				[]string{"N-1", "nav-1", "Oligos"}, []string{"N-2", "nav-2", "Plasmids"})
		case "listRootLevelEntities":
			var rows [][]string
			for _, id := range ids {
				rows = append(rows, roots[id])
			}
			result = wireTable([]string{"PERM_ID", "REFCON", "CATEGORY", "SUMMARY_HEADER"}, rows...)
		case "detailsForEntities":
			result = wireTable([]string{"PERM_ID", "REFCON", "PROPERTIES", "CHILDREN"},
				[]string{"E-1", "ref-1", `{"length":"20"}`, `["E-2"]`})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	})
}

func setupCLIEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HYPHA_CONFIG", "")
	t.Setenv("HYPHA_DB", "")
	t.Setenv("HYPHA_SERVER", "")
	t.Setenv("HYPHA_USER", "alice")
	t.Setenv("HYPHA_PASSWORD", "pw")
	t.Setenv("HYPHA_LOG_LEVEL", "off")
}

func resetFlags() {
	dbPath, configPath, serverURL, userName = "", "", "", ""
	trusted = nil
	jsonOut = false
	syncForce = false
	lsAll = false
	searchLocal, searchLimit = false, 50
	pruneOlderThan, pruneDryRun = 30*24*time.Hour, false
	imageOut = ""
	analyzeCategory, analyzeTopN, analyzeStaleDays, analyzeHubThreshold = "", 10, 30, 20
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_SyncThenBrowseOffline(t *testing.T) {
	setupCLIEnv(t)
	srv := httptest.NewServer(entityServer(t))
	defer srv.Close()
	base := []string{"--server", srv.URL, "--db", filepath.Join(t.TempDir(), "cache.db")}
	run := func(args ...string) (string, error) {
		return runCLI(t, append(append([]string{}, base...), args...)...)
	}

	out, err := run("sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !strings.Contains(out, "Synced 2 root-level entities from 2 categories") {
		t.Fatalf("unexpected sync output: %q", out)
	}

	out, err = run("sync")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !strings.Contains(out, "Root set is fresh") {
		t.Fatalf("expected fresh root set, got %q", out)
	}

	if _, err := run("details", "E-1"); err != nil {
		t.Fatalf("details: %v", err)
	}

	srv.Close()

	out, err = run("ls")
	if err != nil {
		t.Fatalf("ls offline: %v", err)
	}
	for _, want := range []string{"Oligos", "Plasmids", "E-1", "gfp primer"} {
		if !strings.Contains(out, want) {
			t.Errorf("ls output missing %q: %q", want, out)
		}
	}

	out, err = run("show", "E-1")
	if err != nil {
		t.Fatalf("show offline: %v", err)
	}
	for _, want := range []string{"length = 20", "children:    1 (1 cached)", "E-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q: %q", want, out)
		}
	}

	out, err = run("search", "--local", "primer")
	if err != nil {
		t.Fatalf("local search: %v", err)
	}
	if !strings.Contains(out, "E-1") || strings.Contains(out, "E-2") {
		t.Errorf("unexpected local search output: %q", out)
	}

	out, err = run("--json", "analyze")
	if err != nil {
		t.Fatalf("analyze offline: %v", err)
	}
	var report struct {
		Topology struct {
			TotalNodes      int `json:"total_nodes"`
			RootLevel       int `json:"root_level"`
			TotalEdges      int `json:"total_edges"`
			UndetailedCount int `json:"undetailed_count"`
		} `json:"topology"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("analyze --json output is not JSON: %v", err)
	}
	if tp := report.Topology; tp.TotalNodes != 2 || tp.RootLevel != 2 || tp.TotalEdges != 1 || tp.UndetailedCount != 1 {
		t.Errorf("unexpected topology: %+v", tp)
	}

	out, err = run("--json", "ls", "--all")
	if err != nil {
		t.Fatalf("ls --json: %v", err)
	}
	var listed []map[string]any
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("ls --json output is not JSON: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("expected 2 entities, got %d", len(listed))
	}

	_, err = run("sync", "--force")
	if err == nil {
		t.Fatal("expected forced sync against a closed server to fail")
	}
	if kind := rpc.Classify(err); kind != rpc.KindTransport {
		t.Errorf("forced sync error kind = %v, want transport", kind)
	}
}

func TestCLI_NoServerConfigured(t *testing.T) {
	setupCLIEnv(t)
	_, err := runCLI(t, "--db", filepath.Join(t.TempDir(), "cache.db"), "ls")
	if err == nil || !strings.Contains(err.Error(), "no server configured") {
		t.Fatalf("expected missing server error, got %v", err)
	}
}

func TestCLI_PruneDryRun(t *testing.T) {
	setupCLIEnv(t)
	srv := httptest.NewServer(entityServer(t))
	defer srv.Close()
	base := []string{"--server", srv.URL, "--db", filepath.Join(t.TempDir(), "cache.db")}

	if _, err := runCLI(t, append(base, "sync")...); err != nil {
		t.Fatalf("sync: %v", err)
	}
	out, err := runCLI(t, append(base, "prune", "--dry-run", "--older-than", "1h")...)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "Would remove 0 entities") {
		t.Errorf("unexpected prune output: %q", out)
	}
}

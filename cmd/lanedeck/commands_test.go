package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/lanedeck/internal/audit"
	"github.com/asheshgoplani/lanedeck/internal/config"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/lane"
	"github.com/asheshgoplani/lanedeck/internal/recovery"
	"github.com/asheshgoplani/lanedeck/internal/session"
	"github.com/asheshgoplani/lanedeck/internal/statedb"
)

// withHome gives the test its own data directory and returns an open,
// migrated state database inside it.
func withHome(t *testing.T) *statedb.StateDB {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.HomeEnv, home)
	config.ClearCache()
	t.Cleanup(config.ClearCache)

	db, err := statedb.Open(filepath.Join(home, "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCheckWithoutCheckpoint(t *testing.T) {
	withHome(t)
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run([]string{"check"}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "No checkpoint recorded yet.")
}

func TestCheckCleanCheckpoint(t *testing.T) {
	db := withHome(t)
	require.NoError(t, recovery.Save(context.Background(), db, recovery.Checkpoint{
		TakenAt: time.Now().UTC(),
		Lanes:   []lane.Record{{ID: "L1", WorkspaceID: "W", State: lane.StateReady}},
	}))

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run([]string{"check", "--json"}, &out, &errOut), errOut.String())
	var res checkResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "checkpoint", res.Source)
	assert.Empty(t, res.Findings)
}

func TestCheckDriftExitsTwo(t *testing.T) {
	db := withHome(t)
	require.NoError(t, recovery.Save(context.Background(), db, recovery.Checkpoint{
		TakenAt: time.Now().UTC(),
		Lanes:   []lane.Record{{ID: "L1", WorkspaceID: "W", State: lane.StateReady}},
		Sessions: []session.Record{
			{ID: "S1", LaneID: "L1", ProviderSessionID: "P1", Status: session.StatusDetached},
		},
	}))

	var out, errOut bytes.Buffer
	assert.Equal(t, exitDrift, run([]string{"check", "--json"}, &out, &errOut), errOut.String())
	var res checkResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 1, res.Reattach)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "S1", res.Findings[0].ID)
}

func TestCheckLiveQueriesDaemon(t *testing.T) {
	withHome(t)
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"checked_at":"2026-03-01T12:00:00Z","findings":[{"kind":"lane","id":"L1","ref":"S9","action":"reconcile","reason":"active session missing"}],"reconcile":1,"reattach":0,"cleanup":0}`))
	}))
	defer ts.Close()

	var out, errOut bytes.Buffer
	code := run([]string{"check", "--live", "--addr", ts.URL, "--json"}, &out, &errOut)
	assert.Equal(t, exitDrift, code, errOut.String())
	assert.Equal(t, "/api/drift?fresh=1", gotPath)

	var res checkResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "daemon", res.Source)
	assert.Equal(t, 1, res.Reconcile)
}

func TestPrintCheckTable(t *testing.T) {
	var out bytes.Buffer
	printCheck(&out, checkResult{
		Source:    "checkpoint",
		CheckedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Findings: []recovery.Finding{
			{Kind: recovery.KindTerminal, ID: "T2", Ref: "S4", Action: recovery.ActionCleanup, Reason: "session missing"},
		},
		Cleanup: 1,
	})
	assert.Contains(t, out.String(), "Source: checkpoint (checked 2026-03-01T12:00:00Z)")
	assert.Contains(t, out.String(), "session missing")
	assert.Contains(t, out.String(), "0 to reconcile, 0 to reattach, 1 to clean up")
}

func TestAuditRedactsDurableRecords(t *testing.T) {
	db := withHome(t)
	seq := uint64(1)
	cmd := envelope.NewFactory().Command(envelope.MethodLaneCreate,
		envelope.Context{WorkspaceID: "W", CorrelationID: "c-1"},
		map[string]any{"lane_id": "L1", "token": "hunter2"})
	require.NoError(t, db.AppendAudit(context.Background(), audit.Record{
		RecordedAt: time.Now(),
		Sequence:   &seq,
		Outcome:    audit.Accepted,
		Envelope:   cmd,
	}))
	require.NoError(t, db.AppendAudit(context.Background(), audit.Record{
		RecordedAt: time.Now().Add(-48 * time.Hour),
		Outcome:    audit.Accepted,
		Envelope:   cmd,
	}))

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run([]string{"audit", "--since", "1h", "--json"}, &out, &errOut), errOut.String())
	assert.NotContains(t, out.String(), "hunter2")

	var rows []audit.ExportRow
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 1, "records older than --since are skipped")
	assert.Equal(t, "c-1", rows[0].CorrelationID)
	require.NotNil(t, rows[0].Sequence)
	assert.Equal(t, uint64(1), *rows[0].Sequence)
}

func TestAuditRejectsBadFlags(t *testing.T) {
	withHome(t)
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"audit", "--limit", "-1"}, &out, &errOut))
	assert.Equal(t, 1, run([]string{"audit", "--since", "last week"}, &out, &errOut))
}

func TestOrphansPostsToDaemon(t *testing.T) {
	withHome(t)
	var gotMethod, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found":2,"reattached":1,"terminated":1,"errors":0,"duration_ms":4}`))
	}))
	defer ts.Close()

	var out, errOut bytes.Buffer
	code := run([]string{"orphans", "--addr", ts.URL, "--token", "t0k", "--json"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer t0k", gotAuth)
	assert.Contains(t, out.String(), `"terminated": 1`)
}

func TestOrphansDaemonUnreachable(t *testing.T) {
	withHome(t)
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"orphans", "--addr", addr}, &out, &errOut))
	assert.Contains(t, errOut.String(), "daemon unreachable")
}

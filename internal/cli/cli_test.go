package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-perf/internal/db"
	"github.com/kubilitics/kubilitics-perf/internal/models"
)

// steadyLines returns n alternating fps samples of 10 and 11 as JSON lines.
func steadyLines(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		v := "10"
		if i%2 == 1 {
			v = "11"
		}
		sb.WriteString(`{"name":"fps","value":` + v + "}\n")
	}
	return sb.String()
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	root := NewRootCommandWithIO(strings.NewReader(stdin), out, errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func decodeAnomalies(t *testing.T, out string) []models.AnomalyEvent {
	t.Helper()
	var events []models.AnomalyEvent
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var ev models.AnomalyEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		events = append(events, ev)
	}
	return events
}

func TestVersionCommand(t *testing.T) {
	out, _, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "kubilitics-perf dev")
}

func TestReplayPrintsAnomaliesFromStdin(t *testing.T) {
	input := "# warm-up\n\n" + steadyLines(20) + `{"name":"fps","value":100}` + "\n"
	out, errOut, err := run(t, input, "replay", "--learning-period", "3", "--log-level", "error", "--summary")
	require.NoError(t, err)

	events := decodeAnomalies(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, "fps", events[0].Metric.Name)
	assert.Equal(t, 100.0, events[0].Metric.Value)
	assert.Equal(t, models.SeverityWarning, events[0].Severity)
	assert.Contains(t, errOut, "accepted=21")
	assert.Contains(t, errOut, "anomalies=1")
}

func TestReplayMinSeverityFilters(t *testing.T) {
	input := steadyLines(20) + `{"name":"fps","value":100}` + "\n"
	out, _, err := run(t, input, "replay", "--learning-period", "3", "--log-level", "error", "--min-severity", "critical")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestReplayMalformedLines(t *testing.T) {
	input := "not json\n" + steadyLines(4)

	_, errOut, err := run(t, input, "replay", "--learning-period", "3", "--log-level", "warn", "--summary")
	require.NoError(t, err)
	assert.Contains(t, errOut, "skipping malformed sample")
	assert.Contains(t, errOut, "skipped=1")

	_, _, err = run(t, input, "replay", "--learning-period", "3", "--strict")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestReplayRejectsUnknownStrategy(t *testing.T) {
	_, _, err := run(t, "", "replay", "--strategy", "isolation_forest")
	require.Error(t, err)
}

func TestReplayRestoresAndSavesBaseline(t *testing.T) {
	store := filepath.Join(t.TempDir(), "perf.db")

	out, _, err := run(t, steadyLines(20), "replay", "--store", store, "--learning-period", "3", "--log-level", "error")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	// The second session starts warm, so a lone outlier is judged immediately.
	out, _, err = run(t, `{"name":"fps","value":100}`+"\n", "replay", "--store", store, "--learning-period", "3", "--log-level", "error")
	require.NoError(t, err)
	events := decodeAnomalies(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityWarning, events[0].Severity)

	out, _, err = run(t, "", "baseline", "show", "--store", store, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "METRIC")
	assert.Contains(t, out, "fps")
	assert.Contains(t, out, "21")

	out, _, err = run(t, "", "baseline", "show", "fps", "-o", "json", "--store", store, "--log-level", "error")
	require.NoError(t, err)
	var summaries map[string]map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	assert.Equal(t, 21.0, summaries["fps"]["count"])

	out, _, err = run(t, "", "baseline", "list", "--store", store, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "default")

	// Anomalies were journaled alongside.
	s, err := db.NewSQLiteStore(store)
	require.NoError(t, err)
	defer s.Close()
	rows, err := s.QueryAnomalies(context.Background(), db.AnomalyQuery{Metric: "fps"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBaselineShowErrors(t *testing.T) {
	_, _, err := run(t, "", "baseline", "show")
	assert.ErrorIs(t, err, errNoStore)

	store := filepath.Join(t.TempDir(), "empty.db")
	_, _, err = run(t, "", "baseline", "show", "--store", store, "--session-key", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

// syncBuffer is a bytes.Buffer safe for a writer and a concurrent reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeSavesBaselineOnShutdown(t *testing.T) {
	store := filepath.Join(t.TempDir(), "serve.db")
	out := &syncBuffer{}
	a := &app{storePath: store, logLevel: "error", stdin: strings.NewReader(""), stdout: out, stderr: &syncBuffer{}}
	require.NoError(t, a.setup(context.Background()))
	a.cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, 0) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "listening on") }, 2*time.Second, 10*time.Millisecond)
	url := strings.TrimSpace(strings.TrimPrefix(out.String(), "listening on "))

	resp, err := http.Post(url+"/api/v1/samples", "application/json", strings.NewReader(`{"name":"fps","value":60}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	s, err := db.NewSQLiteStore(store)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.LoadBaseline(context.Background(), "default")
	require.NoError(t, err)
	assert.Contains(t, rec.Blob, `"fps"`)
}

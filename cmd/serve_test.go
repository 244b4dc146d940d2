package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oppsync/internal/config"
	"github.com/sells-group/oppsync/internal/store"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(t.Context()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, 202, map[string]string{"status": "accepted"})

	assert.Equal(t, 202, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body["status"])
}

func TestTriggerSetStages(t *testing.T) {
	cfg = &config.Config{}
	st := testStore(t)

	triggers := newTriggerSet(st)
	for _, name := range []string{"attachments", "download", "extract", "analyze", "sync"} {
		assert.Contains(t, triggers, name)
	}
	assert.NotContains(t, triggers, "import")

	// Stages working an empty queue complete without error.
	counts, err := triggers["extract"](t.Context())
	require.NoError(t, err)
	assert.NotNil(t, counts)
}

func TestStageTimeout(t *testing.T) {
	cfg = &config.Config{
		Pipeline: config.PipelineConfig{
			StageTimeoutSecs: map[string]int{"download": 3600},
		},
	}

	assert.Equal(t, "1h0m0s", stageTimeout("download").String())
	assert.Equal(t, "0s", stageTimeout("unknown").String())
}

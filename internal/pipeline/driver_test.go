package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oppsync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir() + "/oppsync.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	st := newTestStore(t)
	var order []string

	stage := func(name string, items int) Stage {
		return Stage{
			Name: name,
			Run: func(context.Context) (int, any, error) {
				order = append(order, name)
				return items, map[string]int{"items": items}, nil
			},
		}
	}

	d := NewDriver(st, []Stage{stage("import", 3), stage("attachments", 2), stage("sync", 1)})
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"import", "attachments", "sync"}, order)
	assert.True(t, summary.OK())
	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, 3, summary.Outcomes[0].Items)
	assert.Equal(t, "complete", summary.Outcomes[2].Status)
	assert.NotEmpty(t, summary.RunID)
}

func TestRunFailedStageIsSoftFailure(t *testing.T) {
	st := newTestStore(t)
	ran := false

	d := NewDriver(st, []Stage{
		{Name: "broken", Run: func(context.Context) (int, any, error) {
			return 0, nil, eris.New("feed unreachable")
		}},
		{Name: "after", Run: func(context.Context) (int, any, error) {
			ran = true
			return 1, nil, nil
		}},
	})

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ran, "driver must proceed past a failed stage")
	assert.False(t, summary.OK())
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "failed", summary.Outcomes[0].Status)
	assert.Contains(t, summary.Outcomes[0].Error, "feed unreachable")
}

func TestRunStageTimeoutIsSoftFailure(t *testing.T) {
	st := newTestStore(t)

	d := NewDriver(st, []Stage{
		{
			Name:    "slow",
			Timeout: 20 * time.Millisecond,
			Run: func(ctx context.Context) (int, any, error) {
				select {
				case <-ctx.Done():
					return 0, nil, ctx.Err()
				case <-time.After(5 * time.Second):
					return 0, nil, nil
				}
			},
		},
		{Name: "next", Run: func(context.Context) (int, any, error) { return 0, nil, nil }},
	})

	start := time.Now()
	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "complete", summary.Outcomes[1].Status)
}

func TestRunWritesLedger(t *testing.T) {
	st := newTestStore(t)

	d := NewDriver(st, []Stage{
		{Name: "ok", Run: func(context.Context) (int, any, error) {
			return 7, map[string]int{"inserted": 7}, nil
		}},
		{Name: "bad", Run: func(context.Context) (int, any, error) {
			return 0, nil, eris.New("boom")
		}},
	})
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	runs, err := st.ListStageRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first.
	assert.Equal(t, "bad", runs[0].Stage)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Contains(t, runs[0].Error, "boom")
	assert.Equal(t, "ok", runs[1].Stage)
	assert.Equal(t, "complete", runs[1].Status)
	assert.Equal(t, 7, runs[1].Items)
	assert.Contains(t, runs[1].Detail, "inserted")
	assert.Equal(t, summary.RunID, runs[0].RunID)
	assert.Equal(t, summary.RunID, runs[1].RunID)
}

func TestRunCanceledContextAborts(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDriver(st, []Stage{
		{Name: "never", Run: func(context.Context) (int, any, error) {
			t.Fatal("stage must not run under a canceled context")
			return 0, nil, nil
		}},
	})
	_, err := d.Run(ctx)
	assert.Error(t, err)
}

func TestDetailMap(t *testing.T) {
	type counts struct {
		Seen int `json:"seen"`
	}
	m := DetailMap(counts{Seen: 4})
	require.NotNil(t, m)
	assert.EqualValues(t, 4, m["seen"])

	assert.Nil(t, DetailMap(nil))
}

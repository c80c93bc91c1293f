package journal

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// journals returns every implementation that can run in this environment.
func journals(t *testing.T) map[string]Journal {
	t.Helper()

	sqlite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	out := map[string]Journal{
		"memory": NewMemJournal(),
		"sqlite": sqlite,
	}

	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		mysql, err := OpenMySQL(dsn)
		require.NoError(t, err)
		for _, table := range []string{"interaction_metrics", "pattern_events", "task_history"} {
			_, err := mysql.DB().Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = mysql.Close() })
		out["mysql"] = mysql
	}
	return out
}

func TestJournal_Interactions(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 4; i++ {
				require.NoError(t, j.RecordInteraction(ctx, Interaction{
					SessionID:     "s1",
					At:            base.Add(time.Duration(i) * time.Minute),
					TypingSpeed:   4.5,
					MessageLength: 10 * (i + 1),
					ResponseTime:  2.0,
				}))
			}
			require.NoError(t, j.RecordInteraction(ctx, Interaction{SessionID: "s2", At: base, MessageLength: 99}))

			got, err := j.RecentInteractions(ctx, "s1", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 40, got[0].MessageLength, "newest first")
			assert.Equal(t, 30, got[1].MessageLength)
			assert.True(t, got[0].At.Equal(base.Add(3*time.Minute)))

			none, err := j.RecentInteractions(ctx, "nobody", 5)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestJournal_Patterns(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{"avoidance", "avoidance", "paralysis"} {
				require.NoError(t, j.RecordPattern(ctx, PatternEvent{
					SessionID:    "s1",
					At:           base,
					Pattern:      p,
					Confidence:   0.8,
					Intervention: "Just write one word.",
				}))
			}
			require.NoError(t, j.RecordPattern(ctx, PatternEvent{SessionID: "s2", At: base, Pattern: "distraction"}))

			counts, err := j.PatternCounts(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"avoidance": 2, "paralysis": 1}, counts)
		})
	}
}

func TestJournal_TasksAndDurationRatio(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			tasks := []Task{
				{TaskID: "t1", SessionID: "s1", Description: "write report", TaskType: "writing", EstimatedMinutes: 30, StartedAt: base},
				{TaskID: "t2", SessionID: "s1", Description: "fix bug", TaskType: "coding", EstimatedMinutes: 20, StartedAt: base.Add(time.Hour)},
				{TaskID: "t3", SessionID: "s1", Description: "write intro", TaskType: "writing", EstimatedMinutes: 10, StartedAt: base.Add(2 * time.Hour)},
			}
			for _, task := range tasks {
				require.NoError(t, j.SaveTask(ctx, task))
			}

			ratio, n, err := j.AverageDurationRatio(ctx, "writing")
			require.NoError(t, err)
			assert.Zero(t, n, "nothing completed yet")
			assert.Zero(t, ratio)

			require.NoError(t, j.CompleteTask(ctx, "t1", 45, base.Add(45*time.Minute)))
			require.NoError(t, j.CompleteTask(ctx, "t3", 20, base.Add(3*time.Hour)))
			require.NoError(t, j.CompleteTask(ctx, "t2", 20, base.Add(2*time.Hour)))

			ratio, n, err = j.AverageDurationRatio(ctx, "writing")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.InDelta(t, 1.75, ratio, 1e-9) // (1.5 + 2.0) / 2

			ratio, n, err = j.AverageDurationRatio(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.InDelta(t, 1.5, ratio, 1e-9) // (1.5 + 1.0 + 2.0) / 3

			got, err := j.Tasks(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "t3", got[0].TaskID)
			assert.Equal(t, "t2", got[1].TaskID)
			require.True(t, got[0].Completed())
			assert.Equal(t, 20, got[0].ActualMinutes)

			assert.ErrorIs(t, j.CompleteTask(ctx, "missing", 5, base), ErrNotFound)
		})
	}
}

func TestJournal_SaveTaskReplaces(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			task := Task{TaskID: "t1", SessionID: "s1", Description: "draft", TaskType: "writing", EstimatedMinutes: 30, StartedAt: base}
			require.NoError(t, j.SaveTask(ctx, task))

			task.Description = "draft v2"
			task.EstimatedMinutes = 40
			require.NoError(t, j.SaveTask(ctx, task))

			got, err := j.Tasks(ctx, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "draft v2", got[0].Description)
			assert.Equal(t, 40, got[0].EstimatedMinutes)
			assert.False(t, got[0].Completed())
		})
	}
}

func TestJournal_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					session := "a"
					if i%2 == 1 {
						session = "b"
					}
					assert.NoError(t, j.RecordInteraction(ctx, Interaction{SessionID: session, At: base, MessageLength: i}))
				}(i)
			}
			wg.Wait()

			a, err := j.RecentInteractions(ctx, "a", 0)
			require.NoError(t, err)
			b, err := j.RecentInteractions(ctx, "b", 0)
			require.NoError(t, err)
			assert.Len(t, a, 10)
			assert.Len(t, b, 10)
		})
	}
}

func TestJournal_Closed(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, j.Close())
			assert.ErrorIs(t, j.RecordInteraction(ctx, Interaction{SessionID: "s"}), ErrClosed)
			_, _, err := j.AverageDurationRatio(ctx, "")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

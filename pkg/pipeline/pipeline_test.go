package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apexsentinel/pkg/anomaly"
	"apexsentinel/pkg/classify"
	"apexsentinel/pkg/evidence"
	"apexsentinel/pkg/ledger"
	"apexsentinel/pkg/telemetry"
)

// scorerFunc adapts a function to the anomaly.Scorer interface.
type scorerFunc func(ctx context.Context, seq [][]float64) ([][]float64, error)

func (f scorerFunc) Score(ctx context.Context, seq [][]float64) ([][]float64, error) {
	return f(ctx, seq)
}

// echoScorer reproduces the input exactly, so every window scores zero error.
func echoScorer() anomaly.Scorer {
	return scorerFunc(func(_ context.Context, seq [][]float64) ([][]float64, error) {
		out := make([][]float64, len(seq))
		for i, row := range seq {
			out[i] = append([]float64(nil), row...)
		}
		return out, nil
	})
}

// offsetScorer shifts every reconstructed value by delta, producing a uniform
// per-channel error of |delta|.
func offsetScorer(delta float64) anomaly.Scorer {
	return scorerFunc(func(_ context.Context, seq [][]float64) ([][]float64, error) {
		out := make([][]float64, len(seq))
		for i, row := range seq {
			out[i] = make([]float64, len(row))
			for j, v := range row {
				out[i][j] = v + delta
			}
		}
		return out, nil
	})
}

func testSeries(n int) map[telemetry.Channel][]float64 {
	series := make(map[telemetry.Channel][]float64)
	for _, ch := range telemetry.DefaultSchema().Channels {
		col := make([]float64, n)
		for i := range col {
			col[i] = float64(i)
		}
		series[ch] = col
	}
	return series
}

func newTestEvaluator(t *testing.T, scorer anomaly.Scorer, opts ...Option) (*Evaluator, *ledger.Chain) {
	t.Helper()
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	chain, err := ledger.NewChain(store, ledger.HashSHA256)
	require.NoError(t, err)
	schema := telemetry.DefaultSchema()
	ev, err := New(Config{
		Schema:     schema,
		WindowSize: 4,
		Threshold:  0.1,
		TopK:       3,
	}, anomaly.IdentityScaler(schema), scorer, chain, opts...)
	require.NoError(t, err)
	return ev, chain
}

func TestEvaluateBatchCleanTelemetry(t *testing.T) {
	ev, chain := newTestEvaluator(t, echoScorer())

	result, err := ev.EvaluateBatch(context.Background(), testSeries(10), nil)
	require.NoError(t, err)

	assert.Len(t, result.Windows, 7) // 10 - 4 + 1
	assert.Equal(t, 7, result.Evaluated)
	assert.Equal(t, 0, result.Anomalies)
	assert.Equal(t, 0, result.Skipped)
	for _, w := range result.Windows {
		assert.False(t, w.IsAnomaly)
		assert.Nil(t, w.Receipt)
	}

	vr, err := chain.VerifyAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, vr.EntriesTotal)
}

func TestEvaluateBatchDetectsAndCommitsAnomalies(t *testing.T) {
	evidenceDir := t.TempDir()
	renderer, err := evidence.NewRenderer(evidenceDir)
	require.NoError(t, err)

	ev, chain := newTestEvaluator(t, offsetScorer(1.0), WithRenderer(renderer))

	meta := map[string]string{"year": "2024", "event": "Monaco", "subject": "VER"}
	result, err := ev.EvaluateBatch(context.Background(), testSeries(6), meta)
	require.NoError(t, err)

	require.Len(t, result.Windows, 3)
	assert.Equal(t, 3, result.Anomalies)

	for _, w := range result.Windows {
		require.True(t, w.IsAnomaly)
		assert.InDelta(t, 1.0, w.SequenceError, 1e-12)
		require.NotNil(t, w.Classification)
		require.NotNil(t, w.Receipt)
		assert.Regexp(t, `^EVT-\d{8}-[0-9A-F]{6}$`, w.Receipt.EntryID)

		// Uniform errors rank lexically; DRS in the top three with no
		// dropout or lock-up conditions means a DRS actuation fault.
		assert.Equal(t, classify.DrsActuationFault, w.Classification.Type)
		assert.Equal(t, classify.SeverityWarning, w.Classification.Severity)

		require.NotEmpty(t, w.Receipt.Evidence)
		_, statErr := os.Stat(filepath.Join(evidenceDir, w.Receipt.Evidence))
		assert.NoError(t, statErr)
	}

	vr, err := chain.VerifyAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClean, vr.Status)
	assert.Equal(t, 3, vr.EntriesTotal)
}

func TestEvaluateBatchSkipsFailedWindows(t *testing.T) {
	calls := 0
	flaky := scorerFunc(func(_ context.Context, seq [][]float64) ([][]float64, error) {
		calls++
		if calls == 2 {
			return nil, anomaly.ErrScorerUnavailable
		}
		out := make([][]float64, len(seq))
		for i, row := range seq {
			out[i] = append([]float64(nil), row...)
		}
		return out, nil
	})

	ev, _ := newTestEvaluator(t, flaky)
	result, err := ev.EvaluateBatch(context.Background(), testSeries(6), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, result.Evaluated)
	assert.NotEmpty(t, result.Windows[1].Error)
	assert.False(t, result.Windows[1].IsAnomaly)
}

func TestEvaluateBatchInsufficientData(t *testing.T) {
	ev, _ := newTestEvaluator(t, echoScorer())
	_, err := ev.EvaluateBatch(context.Background(), testSeries(3), nil)
	var insufficient *telemetry.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Have)
	assert.Equal(t, 4, insufficient.Want)
}

type fakeCache struct {
	store map[string][][]float64
	gets  int
	sets  int
}

func (c *fakeCache) GetReconstruction(_ context.Context, key string) ([][]float64, bool) {
	c.gets++
	recon, ok := c.store[key]
	return recon, ok
}

func (c *fakeCache) SetReconstruction(_ context.Context, key string, recon [][]float64) {
	c.sets++
	c.store[key] = recon
}

func TestEvaluateBatchUsesCache(t *testing.T) {
	scorerCalls := 0
	counting := scorerFunc(func(_ context.Context, seq [][]float64) ([][]float64, error) {
		scorerCalls++
		out := make([][]float64, len(seq))
		for i, row := range seq {
			out[i] = append([]float64(nil), row...)
		}
		return out, nil
	})
	cache := &fakeCache{store: map[string][][]float64{}}
	keyFn := func([][]float64) string { return "fixed" }

	ev, _ := newTestEvaluator(t, counting, WithCache(cache, keyFn))
	_, err := ev.EvaluateBatch(context.Background(), testSeries(6), nil)
	require.NoError(t, err)

	// Three windows share one key: one miss, then two hits.
	assert.Equal(t, 1, scorerCalls)
	assert.Equal(t, 3, cache.gets)
	assert.Equal(t, 1, cache.sets)
}

func TestEvaluateBatchRenderFailureKeepsAppend(t *testing.T) {
	evidenceDir := t.TempDir()
	renderer, err := evidence.NewRenderer(evidenceDir)
	require.NoError(t, err)
	// Occupy the partition path with a file so MkdirAll inside Render fails.
	require.NoError(t, os.WriteFile(filepath.Join(evidenceDir, "2024"), []byte("x"), 0o600))

	ev, chain := newTestEvaluator(t, offsetScorer(1.0), WithRenderer(renderer))
	result, err := ev.EvaluateBatch(context.Background(), testSeries(5),
		map[string]string{"year": "2024"})
	require.NoError(t, err)

	require.Equal(t, 2, result.Anomalies)
	for _, w := range result.Windows {
		require.NotNil(t, w.Receipt)
		assert.Empty(t, w.Receipt.Evidence)
	}

	// The committed chain is unaffected by the render failure.
	vr, err := chain.VerifyAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClean, vr.Status)
	assert.Equal(t, 2, vr.EntriesTotal)
}

type failingStore struct{}

func (failingStore) ReadAll(context.Context) ([]ledger.Entry, error) { return nil, nil }
func (failingStore) AppendAtomic(context.Context, ledger.Entry) error {
	return errors.New("disk full")
}
func (failingStore) Len(context.Context) (int, error) { return 0, nil }

func TestEvaluateBatchAbortsOnLedgerFailure(t *testing.T) {
	chain, err := ledger.NewChain(failingStore{}, ledger.HashSHA256)
	require.NoError(t, err)
	schema := telemetry.DefaultSchema()
	ev, err := New(Config{Schema: schema, WindowSize: 4, Threshold: 0.1},
		anomaly.IdentityScaler(schema), offsetScorer(1.0), chain)
	require.NoError(t, err)

	result, err := ev.EvaluateBatch(context.Background(), testSeries(6), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger append")
	// Partial results survive so the caller can see what was detected.
	require.NotEmpty(t, result.Windows)
	assert.True(t, result.Windows[0].IsAnomaly)
}

// Package pipeline drives a telemetry batch through scoring, classification,
// and the forensic ledger: scale, window, reconstruct, attribute error,
// classify, commit, render evidence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"apexsentinel/pkg/anomaly"
	"apexsentinel/pkg/classify"
	"apexsentinel/pkg/evidence"
	"apexsentinel/pkg/ledger"
	"apexsentinel/pkg/telemetry"
)

var (
	windowsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_windows_evaluated_total",
		Help: "Telemetry windows scored",
	})
	windowsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_windows_failed_total",
		Help: "Windows skipped because scoring failed",
	})
	anomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_anomalies_total",
		Help: "Confirmed anomalies by event type",
	}, []string{"event_type"})
	ledgerAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_ledger_append_failures_total",
		Help: "Ledger appends that failed",
	})
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_reconstruction_cache_hits_total",
		Help: "Scorer calls skipped via the reconstruction cache",
	})
	scoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_scorer_duration_seconds",
		Help:    "External scorer latency",
		Buckets: prometheus.DefBuckets,
	})
)

// ReconstructionCache is the optional Redis-backed cache surface the
// evaluator consults before calling the scorer.
type ReconstructionCache interface {
	GetReconstruction(ctx context.Context, key string) ([][]float64, bool)
	SetReconstruction(ctx context.Context, key string, recon [][]float64)
}

// ReceiptPublisher is the optional downstream sink for committed entries.
type ReceiptPublisher interface {
	PublishReceipt(ctx context.Context, e ledger.Entry) error
}

// CacheKeyFunc derives the cache slot for a scaled window.
type CacheKeyFunc func(sequence [][]float64) string

// Config fixes the evaluator's immutable per-process parameters. Threshold is
// produced by offline calibration and supplied, never computed here.
type Config struct {
	Schema        telemetry.Schema
	WindowSize    int
	Threshold     float64
	TopK          int
	ScorerTimeout time.Duration
}

// Receipt identifies the durable record of one committed anomaly.
type Receipt struct {
	EntryID       string `json:"entry_id"`
	IntegrityHash string `json:"integrity_hash"`
	Evidence      string `json:"evidence,omitempty"`
}

// WindowResult is the outcome for a single window. A window whose scoring
// failed carries Error and is skipped, never reported as non-anomalous.
type WindowResult struct {
	EndIndex       int                       `json:"end_index"`
	SequenceError  float64                   `json:"sequence_error"`
	Threshold      float64                   `json:"threshold"`
	IsAnomaly      bool                      `json:"is_anomaly"`
	TopChannels    []anomaly.ChannelError    `json:"top_channels,omitempty"`
	Classification *classify.Classification  `json:"classification,omitempty"`
	Receipt        *Receipt                  `json:"receipt,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

// BatchResult aggregates one evaluateBatch call.
type BatchResult struct {
	BatchID   string         `json:"batch_id"`
	Windows   []WindowResult `json:"windows"`
	Evaluated int            `json:"windows_evaluated"`
	Anomalies int            `json:"anomalies_detected"`
	Skipped   int            `json:"windows_skipped"`
}

// Evaluator owns the scoring-to-ledger flow. All fields are set once at
// construction and never mutated; the evaluator is safe for concurrent use.
type Evaluator struct {
	cfg       Config
	scaler    *anomaly.Scaler
	scorer    anomaly.Scorer
	chain     *ledger.Chain
	renderer  *evidence.Renderer
	cache     ReconstructionCache
	cacheKey  CacheKeyFunc
	publisher ReceiptPublisher
}

// Option configures optional collaborators.
type Option func(*Evaluator)

// WithRenderer attaches the evidence renderer.
func WithRenderer(r *evidence.Renderer) Option {
	return func(e *Evaluator) { e.renderer = r }
}

// WithCache attaches the reconstruction cache.
func WithCache(c ReconstructionCache, key CacheKeyFunc) Option {
	return func(e *Evaluator) { e.cache = c; e.cacheKey = key }
}

// WithPublisher attaches the receipt publisher.
func WithPublisher(p ReceiptPublisher) Option {
	return func(e *Evaluator) { e.publisher = p }
}

// New builds an evaluator. Scaler, scorer, and chain are required.
func New(cfg Config, scaler *anomaly.Scaler, scorer anomaly.Scorer, chain *ledger.Chain, opts ...Option) (*Evaluator, error) {
	if scaler == nil || scorer == nil || chain == nil {
		return nil, fmt.Errorf("scaler, scorer, and ledger chain are required")
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = anomaly.DefaultTopK
	}
	if cfg.ScorerTimeout <= 0 {
		cfg.ScorerTimeout = 10 * time.Second
	}
	e := &Evaluator{cfg: cfg, scaler: scaler, scorer: scorer, chain: chain}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EvaluateBatch scores every window of the batch. Per-window scoring failures
// skip that window only; a ledger append failure aborts the batch with the
// partial result attached, because an anomaly that was detected but not
// durably logged must be visible to the caller.
func (e *Evaluator) EvaluateBatch(ctx context.Context, series map[telemetry.Channel][]float64, metadata map[string]string) (BatchResult, error) {
	result := BatchResult{BatchID: uuid.NewString()}

	frames, err := telemetry.FramesFromSeries(series, e.cfg.Schema)
	if err != nil {
		return result, err
	}
	scaled, err := e.scaler.ToModelSpace(frames)
	if err != nil {
		return result, err
	}
	windows, err := telemetry.BuildWindows(frames, e.cfg.WindowSize)
	if err != nil {
		return result, err
	}

	for _, w := range windows {
		wr, appendErr := e.evaluateWindow(ctx, w, scaled, metadata)
		result.Windows = append(result.Windows, wr)
		switch {
		case appendErr != nil:
			ledgerAppendFailures.Inc()
			return result, fmt.Errorf("window %d: ledger append: %w", w.EndIndex, appendErr)
		case wr.Error != "":
			result.Skipped++
		default:
			result.Evaluated++
			if wr.IsAnomaly {
				result.Anomalies++
			}
		}
	}
	return result, nil
}

// evaluateWindow returns the window result plus a ledger error when the
// append itself failed; every other failure is folded into the result.
func (e *Evaluator) evaluateWindow(ctx context.Context, w telemetry.Window, scaled [][]float64, metadata map[string]string) (WindowResult, error) {
	wr := WindowResult{EndIndex: w.EndIndex, Threshold: e.cfg.Threshold}

	start := w.EndIndex - e.cfg.WindowSize + 1
	seq := scaled[start : w.EndIndex+1]

	recon, err := e.reconstruct(ctx, seq)
	if err != nil {
		windowsFailed.Inc()
		wr.Error = err.Error()
		return wr, nil
	}

	report, err := anomaly.Aggregate(seq, recon, e.cfg.Schema, e.cfg.Threshold, e.cfg.TopK)
	if err != nil {
		windowsFailed.Inc()
		wr.Error = err.Error()
		return wr, nil
	}
	windowsEvaluated.Inc()
	wr.SequenceError = report.SequenceError
	wr.IsAnomaly = report.IsAnomaly
	wr.TopChannels = report.TopChannels
	if !report.IsAnomaly {
		return wr, nil
	}

	snapshot := w.Frames[len(w.Frames)-1]
	cls := classify.Classify(report.TopChannels, snapshot)
	wr.Classification = &cls
	anomaliesDetected.WithLabelValues(string(cls.Type)).Inc()

	entry, err := e.chain.Append(ctx, classify.NewEvent(w.EndIndex, report, snapshot, cls), metadata)
	if err != nil {
		wr.Error = err.Error()
		return wr, err
	}
	receipt := &Receipt{EntryID: entry.ID, IntegrityHash: entry.IntegrityHash}

	if e.renderer != nil {
		artifact, _, rerr := e.renderer.Render(entry)
		if rerr != nil {
			// The append already succeeded; evidence can be re-rendered later.
			log.Printf("[pipeline] evidence render for %s failed: %v", entry.ID, rerr)
		} else {
			receipt.Evidence = artifact
		}
	}
	if e.publisher != nil {
		if perr := e.publisher.PublishReceipt(ctx, entry); perr != nil {
			log.Printf("[pipeline] receipt publish for %s failed: %v", entry.ID, perr)
		}
	}
	wr.Receipt = receipt
	return wr, nil
}

func (e *Evaluator) reconstruct(ctx context.Context, seq [][]float64) ([][]float64, error) {
	var key string
	if e.cache != nil && e.cacheKey != nil {
		key = e.cacheKey(seq)
		if recon, ok := e.cache.GetReconstruction(ctx, key); ok {
			cacheHits.Inc()
			return recon, nil
		}
	}

	scoreCtx, cancel := context.WithTimeout(ctx, e.cfg.ScorerTimeout)
	defer cancel()
	start := time.Now()
	recon, err := e.scorer.Score(scoreCtx, seq)
	scoreDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(scoreCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, anomaly.ErrScorerTimeout) {
			err = fmt.Errorf("%w: %v", anomaly.ErrScorerTimeout, err)
		}
		return nil, err
	}
	if e.cache != nil && key != "" {
		e.cache.SetReconstruction(ctx, key, recon)
	}
	return recon, nil
}

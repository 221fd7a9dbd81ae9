package semantic

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("taskrouter.semantic")

// Backend produces a unit from an input.
type Backend interface {
	Name() string
	Analyze(ctx context.Context, in Input) (Unit, error)
}

// Config bounds the analyzer.
type Config struct {
	BackendTimeout  time.Duration
	StageDeadline   time.Duration
	MaxContextChars int
}

// Result is the combined Stage 1 output.
type Result struct {
	Unit Unit
	// Degraded is set when every backend failed or timed out.
	Degraded bool
	// Contributors names the backends whose results were combined.
	Contributors []string
}

// Analyzer fans out to its backends and combines what returns in time.
type Analyzer struct {
	backends []Backend
	cfg      Config
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// NewAnalyzer creates an analyzer. Backend order breaks modality ties.
func NewAnalyzer(cfg Config, logger *zap.Logger, metrics *telemetry.Metrics, backends ...Backend) *Analyzer {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 3 * time.Second
	}
	if cfg.StageDeadline <= 0 {
		cfg.StageDeadline = 5 * time.Second
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{backends: backends, cfg: cfg, logger: logger, metrics: metrics}
}

type backendResult struct {
	unit Unit
	ok   bool
}

// Analyze never fails: with no usable backend result it returns the
// degraded unit.
func (a *Analyzer) Analyze(ctx context.Context, in Input) Result {
	ctx, span := tracer.Start(ctx, "Analyzer.Analyze")
	defer span.End()
	start := time.Now()
	defer func() { a.metrics.RecordStage(ctx, "semantic", time.Since(start)) }()

	in.Context = truncate(in.Context, a.cfg.MaxContextChars)

	stageCtx, cancel := context.WithTimeout(ctx, a.cfg.StageDeadline)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make([]backendResult, len(a.backends))
		g       errgroup.Group
	)
	for i, b := range a.backends {
		g.Go(func() error {
			bctx, bcancel := context.WithTimeout(stageCtx, a.cfg.BackendTimeout)
			defer bcancel()

			unit, err := b.Analyze(bctx, in)
			if err == nil && bctx.Err() != nil {
				err = bctx.Err()
			}
			if err != nil {
				a.logger.Debug("semantic backend failed", zap.String("backend", b.Name()), zap.Error(err))
				return nil
			}
			mu.Lock()
			results[i] = backendResult{unit: unit, ok: true}
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stageCtx.Done():
	}

	mu.Lock()
	var (
		units []Unit
		names []string
	)
	for i, r := range results {
		if r.ok {
			units = append(units, r.unit)
			names = append(names, a.backends[i].Name())
		}
	}
	mu.Unlock()

	span.SetAttributes(attribute.Int("semantic.backends", len(a.backends)), attribute.Int("semantic.contributors", len(units)))
	if len(units) == 0 {
		a.metrics.RecordSemanticDegraded(ctx)
		a.logger.Warn("semantic analysis degraded", zap.Int("backends", len(a.backends)))
		return Result{Unit: DegradedUnit(), Degraded: true}
	}
	return Result{Unit: Combine(units), Contributors: names}
}

// Combine merges backend units given in backend order.
//
// Topics are unioned; entities and action signals keep first-seen order.
// Modality is a certainty-weighted vote, ties going to the modality first
// proposed. Certainty is the mean, raised by 0.1 for every additional
// backend agreeing with the winning modality, capped at 1.
func Combine(units []Unit) Unit {
	if len(units) == 0 {
		return DegradedUnit()
	}

	var (
		topics, entities, actions [][]string
		weights                   = map[Modality]float64{}
		order                     []Modality
		sum                       float64
	)
	for _, u := range units {
		topics = append(topics, u.Topics)
		entities = append(entities, u.Entities)
		actions = append(actions, u.ActionSignals)
		if _, seen := weights[u.Modality]; !seen {
			order = append(order, u.Modality)
		}
		weights[u.Modality] += u.Certainty
		sum += u.Certainty
	}

	winner := order[0]
	for _, m := range order[1:] {
		if weights[m] > weights[winner] {
			winner = m
		}
	}

	agreeing := 0
	for _, u := range units {
		if u.Modality == winner {
			agreeing++
		}
	}
	certainty := sum/float64(len(units)) + 0.1*float64(agreeing-1)

	return Unit{
		Topics:        orderedUnion(topics...),
		Entities:      orderedUnion(entities...),
		ActionSignals: orderedUnion(actions...),
		Modality:      winner,
		Certainty:     certainty,
	}.normalize()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Keep the most recent context.
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}

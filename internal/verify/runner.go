package verify

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/store"
)

// Pipeline identifiers. The heuristic pipeline only considers connections
// whose primary record is terminal.
const (
	PrimaryPipelineID   = 1
	HeuristicPipelineID = 2
)

// maxStageAttempts bounds the number of stage executions per RunOnce call
// to keep worst-case latency predictable.
const maxStageAttempts = 10

// Pipeline is a named, ordered stage list driven by a Runner.
type Pipeline struct {
	ID            int
	Name          string
	AfterPipeline int // 0 when the pipeline has no predecessor
	Stages        []Stage

	pointsMax int
}

// NewPipeline assembles a pipeline and validates its stage ids. Duplicate
// ids are a configuration error: logged, not fatal.
func NewPipeline(id int, name string, afterPipeline int, stages []Stage) *Pipeline {
	seen := make(map[int]bool, len(stages))
	total := 0
	for _, st := range stages {
		if seen[st.ID()] {
			zap.L().Error("verify: duplicate stage id in pipeline",
				zap.String("pipeline", name),
				zap.Int("stage_id", st.ID()),
				zap.String("stage", st.Name()),
			)
		}
		seen[st.ID()] = true
		total += st.MaxPoints()
	}
	return &Pipeline{
		ID:            id,
		Name:          name,
		AfterPipeline: afterPipeline,
		Stages:        stages,
		pointsMax:     total,
	}
}

// PointsMax is the sum of all stage maximum points.
func (p *Pipeline) PointsMax() int {
	return p.pointsMax
}

// Classify derives the trust verdict for a terminal score.
func Classify(score, pointsMax int) model.Classification {
	suspiciousCeiling := int(math.Floor(float64(pointsMax) * 0.95))
	untrustedCeiling := int(math.Floor(float64(pointsMax) * 0.5))
	switch {
	case score < untrustedCeiling:
		return model.ClassUntrusted
	case score < suspiciousCeiling:
		return model.ClassSuspicious
	default:
		return model.ClassTrusted
	}
}

// Ceilings returns the classification boundaries for a pipeline maximum.
func Ceilings(pointsMax int) (untrusted, suspicious int) {
	return int(math.Floor(float64(pointsMax) * 0.5)), int(math.Floor(float64(pointsMax) * 0.95))
}

// RunnerConfig tunes the driving loop.
type RunnerConfig struct {
	AttemptTimeout time.Duration // ceiling per RunOnce invocation
	IdleBackoff    time.Duration // sleep when no work was found
	ImportBackoff  time.Duration // sleep while a bulk import is active
}

// DefaultRunnerConfig returns the standard loop timings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		AttemptTimeout: 10 * time.Second,
		IdleBackoff:    500 * time.Millisecond,
		ImportBackoff:  time.Second,
	}
}

// Runner drives one pipeline as a single serial worker. Separate pipelines
// may run concurrently with each other, but a pipeline never runs
// concurrently with itself.
type Runner struct {
	pipeline *Pipeline
	store    store.Store
	cfg      RunnerConfig
	metrics  *Metrics
}

// NewRunner creates a runner for one pipeline.
func NewRunner(pipeline *Pipeline, st store.Store, cfg RunnerConfig) *Runner {
	if cfg.AttemptTimeout <= 0 {
		cfg = DefaultRunnerConfig()
	}
	return &Runner{pipeline: pipeline, store: st, cfg: cfg, metrics: &Metrics{}}
}

// Metrics returns the runner's counters.
func (r *Runner) Metrics() *Metrics {
	return r.metrics
}

// RunOnce processes at most one eligible connection: resumes it at its
// persisted stage and score, executes up to maxStageAttempts stages, and
// persists the result atomically at the end or at a delay breakpoint.
// It reports whether any work was found.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	task, err := r.store.NextVerification(ctx, r.pipeline.ID, r.pipeline.AfterPipeline)
	if err != nil {
		return false, eris.Wrapf(err, "verify: fetch next for %s", r.pipeline.Name)
	}
	if task == nil {
		return false, nil
	}

	connectionID := task.Cell.ConnectionID
	stageIdx := task.Stage
	score := task.Score
	stages := r.pipeline.Stages

	if stageIdx < 0 || stageIdx > len(stages) {
		return false, eris.Errorf("verify: %s: persisted stage %d out of range for %s",
			r.pipeline.Name, stageIdx, connectionID)
	}

	var newLogs []model.StageLog
	var notBefore *time.Time

	for attempts := 0; stageIdx < len(stages) && attempts < maxStageAttempts; attempts++ {
		st := stages[stageIdx]
		started := time.Now().UTC()

		outcome, err := st.Verify(ctx, task.Cell, connectionID)
		if err != nil {
			// Abort without persisting the in-flight stage; prior stages
			// remain committed from the previous save.
			return true, eris.Wrapf(err, "verify: %s stage %q for %s",
				r.pipeline.Name, st.Name(), connectionID)
		}

		log := model.StageLog{
			StageID:    st.ID(),
			Possible:   st.MaxPoints(),
			StartedAt:  started,
			DurationMS: time.Since(started).Milliseconds(),
			Related:    outcome.Related,
		}

		switch outcome.Kind {
		case OutcomeDelay:
			t := time.Now().UTC().Add(outcome.Wait)
			notBefore = &t
			r.metrics.Delayed.Add(1)
			zap.L().Debug("verify: stage delayed",
				zap.String("pipeline", r.pipeline.Name),
				zap.String("stage", st.Name()),
				zap.String("connection", connectionID),
				zap.Duration("wait", outcome.Wait),
			)
		case OutcomeFail:
			stageIdx++
			newLogs = append(newLogs, log)
		case OutcomePartial:
			points := outcome.Points
			if points < 0 || points > st.MaxPoints() {
				zap.L().Warn("verify: partial points out of range",
					zap.String("pipeline", r.pipeline.Name),
					zap.String("stage", st.Name()),
					zap.Int("points", points),
					zap.Int("max", st.MaxPoints()),
				)
				points = min(max(points, 0), st.MaxPoints())
			}
			score += points
			log.Awarded = points
			stageIdx++
			newLogs = append(newLogs, log)
		case OutcomeSuccess:
			score += st.MaxPoints()
			log.Awarded = st.MaxPoints()
			stageIdx++
			newLogs = append(newLogs, log)
		case OutcomeFinishEarly:
			stageIdx = len(stages)
			score = r.pipeline.PointsMax()
			log.Awarded = st.MaxPoints()
			newLogs = append(newLogs, log)
		}

		if outcome.Kind == OutcomeDelay {
			break
		}
	}

	terminal := stageIdx >= len(stages)
	if err := r.persist(ctx, connectionID, stageIdx, score, terminal, notBefore, newLogs); err != nil {
		return true, err
	}

	r.metrics.Processed.Add(1)
	if terminal {
		r.metrics.Terminal.Add(1)
		zap.L().Info("verify: connection terminal",
			zap.String("pipeline", r.pipeline.Name),
			zap.String("connection", connectionID),
			zap.Int("score", score),
			zap.String("classification", string(Classify(score, r.pipeline.PointsMax()))),
		)
	}
	return true, nil
}

// persist appends the new stage logs to the record and saves stage index,
// score, terminal flag, and delay timestamp in one upsert. Persistence is
// the last action of an attempt; it is never interleaved with stage I/O.
func (r *Runner) persist(ctx context.Context, connectionID string, stage, score int, terminal bool, notBefore *time.Time, newLogs []model.StageLog) error {
	prior, err := r.store.Verification(ctx, connectionID, r.pipeline.ID)
	if err != nil {
		return eris.Wrapf(err, "verify: load record %s/%d", connectionID, r.pipeline.ID)
	}

	var logs []model.StageLog
	if prior != nil {
		logs = prior.Logs
	}
	logs = append(logs, newLogs...)

	return r.store.SaveVerification(ctx, model.VerificationRecord{
		ConnectionID: connectionID,
		PipelineID:   r.pipeline.ID,
		Stage:        stage,
		Score:        score,
		Terminal:     terminal,
		NotBefore:    notBefore,
		Logs:         logs,
	})
}

// Run drives the pipeline until ctx is cancelled. Each RunOnce invocation
// is bounded by the attempt timeout; timeouts and stage errors are logged
// and the connection retries on a later pass from its last committed state.
func (r *Runner) Run(ctx context.Context) error {
	zap.L().Info("verify: runner started",
		zap.String("pipeline", r.pipeline.Name),
		zap.Int("points_max", r.pipeline.PointsMax()),
	)

	for {
		if err := ctx.Err(); err != nil {
			zap.L().Info("verify: runner stopped", zap.String("pipeline", r.pipeline.Name))
			return nil
		}

		active, err := r.store.BulkImportActive(ctx)
		if err != nil {
			zap.L().Warn("verify: bulk import flag check failed",
				zap.String("pipeline", r.pipeline.Name), zap.Error(err))
		}
		if active {
			if !sleepCtx(ctx, r.cfg.ImportBackoff) {
				return nil
			}
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		worked, err := r.RunOnce(attemptCtx)
		cancel()

		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			zap.L().Warn("verify: attempt timed out",
				zap.String("pipeline", r.pipeline.Name))
		case err != nil && ctx.Err() != nil:
			zap.L().Info("verify: runner stopped", zap.String("pipeline", r.pipeline.Name))
			return nil
		case err != nil:
			zap.L().Warn("verify: attempt failed",
				zap.String("pipeline", r.pipeline.Name), zap.Error(err))
		}

		if !worked {
			if !sleepCtx(ctx, r.cfg.IdleBackoff) {
				return nil
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is done; it reports false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

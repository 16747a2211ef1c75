// Package verify implements the resumable cell-verification engine: the
// stage library, the pipeline runner, and the two concrete pipelines that
// score observed cellular connections against reference data.
package verify

import (
	"time"

	"github.com/cellwatch/cellwatch/internal/model"
)

// OutcomeKind enumerates the possible results of one stage attempt.
type OutcomeKind int

const (
	// OutcomeDelay reschedules the connection after a waiting period
	// without advancing the stage index.
	OutcomeDelay OutcomeKind = iota
	// OutcomeFail advances the stage awarding zero points.
	OutcomeFail
	// OutcomePartial advances the stage awarding an explicit point value.
	OutcomePartial
	// OutcomeSuccess advances the stage awarding the stage's full points.
	OutcomeSuccess
	// OutcomeFinishEarly jumps to the end of the pipeline with the maximum
	// total score; the connection is not applicable for scoring.
	OutcomeFinishEarly
)

// Outcome is the sum-type result of a stage attempt. Construct values via
// Delay, Fail, Partial, Success, or FinishEarly; the runner switches
// exhaustively over Kind.
type Outcome struct {
	Kind    OutcomeKind
	Wait    time.Duration     // OutcomeDelay only
	Points  int               // OutcomePartial only
	Related []model.RecordRef // records that produced this outcome
}

// Delay reschedules the connection after d.
func Delay(d time.Duration) Outcome {
	return Outcome{Kind: OutcomeDelay, Wait: d}
}

// Fail awards zero points, optionally attaching the offending records.
func Fail(related ...model.RecordRef) Outcome {
	return Outcome{Kind: OutcomeFail, Related: related}
}

// Partial awards an explicit number of points.
func Partial(points int, related ...model.RecordRef) Outcome {
	return Outcome{Kind: OutcomePartial, Points: points, Related: related}
}

// Success awards the stage's full points.
func Success(related ...model.RecordRef) Outcome {
	return Outcome{Kind: OutcomeSuccess, Related: related}
}

// FinishEarly deems the connection fully trusted and ends the pipeline.
func FinishEarly() Outcome {
	return Outcome{Kind: OutcomeFinishEarly}
}

package pipeline

import (
	"errors"
	"fmt"
)

// Stage names used in failures, logs and telemetry.
const (
	StageTranslate  = "translate"
	StageSynthesize = "synthesize"
	StagePlayback   = "playback"
)

// ErrNotAdmitted is returned by Admit when no capacity was reserved.
var ErrNotAdmitted = errors.New("unit admitted without a reserved slot")

// UnitFailure reports that one utterance was dropped by a stage. The pipeline
// keeps running; only this unit is lost.
type UnitFailure struct {
	UtteranceID uint64
	Sequence    uint64
	Stage       string
	Err         error
}

func (e *UnitFailure) Error() string {
	return fmt.Sprintf("utterance %d (sequence %d) failed in %s: %v", e.UtteranceID, e.Sequence, e.Stage, e.Err)
}

func (e *UnitFailure) Unwrap() error { return e.Err }

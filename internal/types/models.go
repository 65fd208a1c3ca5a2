package types

import "time"

// State is the lifecycle state of a Task.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateRunning: {},
		StateFailed:  {}, // dispatch failure
	},
	StateRunning: {
		StateRunning:   {}, // progress / heartbeat writes
		StateSucceeded: {},
		StateFailed:    {},
	},
}

// CanTransition reports whether a record in state from may be rewritten
// with state to.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Stage is one ordered step of the pipeline.
type Stage string

const (
	StageResolve    Stage = "resolve"
	StageFetch      Stage = "fetch"
	StageTranscribe Stage = "transcribe"
	StageAnalyze    Stage = "analyze"
	StageWriteBack  Stage = "write_back"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageResolve, StageFetch, StageTranscribe, StageAnalyze, StageWriteBack}

// Result is set on SUCCEEDED tasks only.
type Result struct {
	TranscriptLength int       `json:"transcript_length"`
	Language         string    `json:"language"`
	Summary          string    `json:"summary"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// TaskError is set on FAILED tasks only.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Subkind Subkind   `json:"subkind,omitempty"`
	Message string    `json:"message"`
}

// Task is one unit of webhook-triggered pipeline work.
type Task struct {
	ID           string     `json:"task_id"`
	RowID        string     `json:"row_id"`
	AudioURL     string     `json:"audio_url,omitempty"`
	State        State      `json:"status"`
	Stage        Stage      `json:"stage,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Result       *Result    `json:"result,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// Validate checks the record-level invariants every store enforces on write.
func (t *Task) Validate() error {
	switch {
	case t.ID == "":
		return &Error{Kind: KindValidation, Subkind: SubkindMalformed, Message: "task id is required"}
	case t.RowID == "":
		return &Error{Kind: KindValidation, Subkind: SubkindMalformed, Message: "row id is required"}
	case t.Result != nil && t.State != StateSucceeded:
		return &Error{Kind: KindValidation, Subkind: SubkindMalformed, Message: "result set on non-succeeded task"}
	case t.Error != nil && t.State != StateFailed:
		return &Error{Kind: KindValidation, Subkind: SubkindMalformed, Message: "error set on non-failed task"}
	case t.State == StateFailed && (t.Error == nil || t.Error.Message == ""):
		return &Error{Kind: KindValidation, Subkind: SubkindMalformed, Message: "failed task needs an error message"}
	}
	return nil
}

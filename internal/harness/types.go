package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/dotlock/internal/ownership"
)

// Trace event kinds.
const (
	KindTransition = "transition"
	KindPublish    = "publish"
)

// TraceEvent is one observable effect of a step.
type TraceEvent struct {
	Step   int    `json:"step"`
	Client string `json:"client"`
	Kind   string `json:"kind"`

	// Transition fields.
	Seq   int64            `json:"seq,omitempty"`
	Cause string           `json:"cause,omitempty"`
	From  ownership.Status `json:"from,omitempty"`
	To    ownership.Status `json:"to,omitempty"`

	// Publish field.
	Owner string `json:"owner,omitempty"`

	Position ownership.Position `json:"position"`
}

// String renders the event as one trace line.
func (e TraceEvent) String() string {
	switch e.Kind {
	case KindPublish:
		owner := e.Owner
		if owner == "" {
			owner = "-"
		}
		return fmt.Sprintf("step=%d client=%s publish owner=%s pos=%s",
			e.Step, e.Client, owner, e.Position)
	default:
		return fmt.Sprintf("step=%d client=%s transition seq=%d cause=%s %s->%s pos=%s",
			e.Step, e.Client, e.Seq, e.Cause, e.From, e.To, e.Position)
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect block and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every transition and publish in step order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final holds the state of every client after the last step.
	Final map[string]ownership.State `json:"final"`

	// MaxOwners is the largest number of clients seen in local_control
	// after any single step.
	MaxOwners int `json:"max_owners"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Final:  make(map[string]ownership.State),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// FormatTrace renders a trace one event per line.
func FormatTrace(trace []TraceEvent) string {
	var b strings.Builder
	for _, e := range trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

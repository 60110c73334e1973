package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	// Header with assertion type
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
		}
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against a finished run and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertMutualExclusion:
		return assertMutualExclusion(result)
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertMutualExclusion checks that no settled step had two local owners.
func assertMutualExclusion(result *Result) error {
	if result.MaxOwners <= 1 {
		return nil
	}
	return &AssertionError{
		Type:     AssertMutualExclusion,
		Expected: "at most 1 client in local_control",
		Actual:   fmt.Sprintf("%d clients in local_control", result.MaxOwners),
		Trace:    result.Trace,
	}
}

// transitionsOf returns the transitions of one client in trace order.
func transitionsOf(trace []TraceEvent, client string) []TraceEvent {
	var out []TraceEvent
	for _, e := range trace {
		if e.Kind == KindTransition && e.Client == client {
			out = append(out, e)
		}
	}
	return out
}

// assertTraceContains checks that the client has a transition with the
// given cause, landing in Status when Status is set.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range transitionsOf(trace, a.Client) {
		if e.Cause != a.Cause {
			continue
		}
		if a.Status != "" && string(e.To) != a.Status {
			continue
		}
		return nil
	}

	expected := fmt.Sprintf("%s transition with cause %s", a.Client, a.Cause)
	if a.Status != "" {
		expected += " to " + a.Status
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that causes appear in the specified order.
// Causes don't need to be consecutive (intervening transitions are allowed).
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, e := range transitionsOf(trace, a.Client) {
		if next < len(a.Causes) && e.Cause == a.Causes[next] {
			next++
		}
	}
	if next == len(a.Causes) {
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("%s causes in order: %v", a.Client, a.Causes),
		Actual:   fmt.Sprintf("matched %v, missing %s", a.Causes[:next], a.Causes[next]),
		Trace:    trace,
	}
}

// assertTraceCount checks for exactly Count matching events.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	what := "transitions with cause " + a.Cause
	if a.Kind == KindPublish {
		what = "publishes"
		for _, e := range trace {
			if e.Kind == KindPublish && e.Client == a.Client {
				count++
			}
		}
	} else {
		for _, e := range transitionsOf(trace, a.Client) {
			if e.Cause == a.Cause {
				count++
			}
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s by %s", a.Count, what, a.Client),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the state a client ended in.
func assertFinalState(result *Result, a Assertion) error {
	got, ok := result.Final[a.Client]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("final state for %s", a.Client),
			Actual:   "client not found",
		}
	}

	if string(got.Status) != a.Status {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s in %s", a.Client, a.Status),
			Actual:   got.String(),
		}
	}
	if a.Position != nil && got.Position != a.Position.Position() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s at %s", a.Client, a.Position.Position()),
			Actual:   got.String(),
		}
	}
	return nil
}

package funnel

import (
	"strings"

	"github.com/funneld-io/funneld/internal/event"
)

// FirstMatchingStep returns the first step (in order) whose matches accept
// the event, or nil when none do.
func FirstMatchingStep(steps []Step, ev *event.Event) *Step {
	for i := range steps {
		if StepMatches(&steps[i], ev) {
			return &steps[i]
		}
	}

	return nil
}

// StepMatches reports whether any of the step's matching rules accept the
// event. Rules within a step are OR-ed.
func StepMatches(step *Step, ev *event.Event) bool {
	for i := range step.Matches {
		if ruleMatches(&step.Matches[i], ev) {
			return true
		}
	}

	return false
}

func ruleMatches(m *StepMatch, ev *event.Event) bool {
	switch m.Kind {
	case MatchEventName:
		return ev.Name == m.Rules["event_name"]
	case MatchPageURL:
		return MatchPattern(m.Rules["pattern"], ev.PageURL())
	case MatchPageTitle:
		return MatchPattern(m.Rules["pattern"], ev.PageTitle())
	case MatchUTMSource:
		return ev.UTMSource() == m.Rules["utm_source"]
	case MatchCustomProperty:
		value, ok := ev.Prop(m.Rules["name"])

		return ok && value == m.Rules["value"]
	default:
		return false
	}
}

// MatchPattern matches page URL/title rules. Patterns containing glob
// metacharacters ('*' or '?') are matched against the whole value,
// case-insensitively. Plain patterns fall back to a case-insensitive
// substring test.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || value == "" {
		return false
	}

	p := strings.ToLower(pattern)
	v := strings.ToLower(value)

	if strings.ContainsAny(p, "*?") {
		return globMatch(p, v)
	}

	return strings.Contains(v, p)
}

// globMatch matches the whole string against a pattern where '*' matches any
// run (including empty) and '?' matches exactly one rune. Iterative
// backtracking keeps it linear for the single-star common case.
func globMatch(pattern, value string) bool {
	p := []rune(pattern)
	v := []rune(value)

	var pi, vi int

	starPi, starVi := -1, 0

	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			starPi = pi
			starVi = vi
			pi++
		case starPi >= 0:
			// Backtrack: let the last '*' consume one more rune.
			pi = starPi + 1
			starVi++
			vi = starVi
		default:
			return false
		}
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}

	return pi == len(p)
}

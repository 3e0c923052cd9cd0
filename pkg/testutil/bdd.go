package testutil

import "testing"

// Step is the body of one scenario step.
type Step func(t *testing.T)

// Given names a scenario's starting state as a subtest.
func Given(t *testing.T, state string, step Step) bool {
	t.Helper()
	return t.Run("given "+state, step)
}

// When names the action under test, nested under a Given.
func When(t *testing.T, action string, step Step) bool {
	t.Helper()
	return t.Run("when "+action, step)
}

// Then names an expected outcome. It stops the enclosing step when the
// outcome fails so later assertions do not run against a broken response.
func Then(t *testing.T, outcome string, step Step) {
	t.Helper()
	if !t.Run("then "+outcome, step) {
		t.FailNow()
	}
}

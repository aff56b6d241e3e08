package triage

// healthForceInvalidateForTest clears the health snapshot cache so tests can
// observe probe changes immediately.
func (e *Engine) healthForceInvalidateForTest() { e.health.ForceInvalidate() }

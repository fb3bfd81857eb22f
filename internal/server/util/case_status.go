package util

// CaseStatusFromDecision maps the engine's terminal state onto the coarse
// case status reported by the API. A case that stopped because its budget
// ran out reads "stopped"; one the controller declared converged reads
// "completed".
func CaseStatusFromDecision(terminal bool, forced bool) string {
	if !terminal {
		return "inProgress"
	}

	if forced {
		return "stopped"
	}
	return "completed"
}

package perf

import "fmt"

// EscalationLevel is the failure-recovery ladder. Each level degrades
// fidelity further to restore responsiveness; a successful calculation
// resets straight back to EscalationNone.
type EscalationLevel int

const (
	EscalationNone EscalationLevel = iota
	EscalationThrottle
	EscalationSimplify
	EscalationReducePrecision
	EscalationEmergency
)

func (l EscalationLevel) String() string {
	switch l {
	case EscalationNone:
		return "NoRecovery"
	case EscalationThrottle:
		return "Throttle"
	case EscalationSimplify:
		return "SimplifyCalculation"
	case EscalationReducePrecision:
		return "ReducePrecision"
	case EscalationEmergency:
		return "EmergencyFallback"
	default:
		return fmt.Sprintf("EscalationLevel(%d)", int(l))
	}
}

// advanceEscalation picks the level for a failure streak. High digital zoom
// escalates faster: precision work is what gets expensive there, so fidelity
// is shed sooner.
func advanceEscalation(cur EscalationLevel, failures int, digitalZoom float64) EscalationLevel {
	step := failures
	if digitalZoom >= 6 {
		step++
	}

	var next EscalationLevel
	switch {
	case step <= 1:
		next = EscalationNone
	case step <= 2:
		next = EscalationThrottle
	case step <= 4:
		next = EscalationSimplify
	case step <= 6:
		next = EscalationReducePrecision
	default:
		next = EscalationEmergency
	}

	// the ladder only climbs on failures; it descends solely via reset
	if next < cur {
		return cur
	}
	return next
}

package hsm

import "autopilot/internal/model"

var triggerTransitions = map[model.TriggerPhase]map[model.TriggerPhase]bool{
	model.TriggerPhaseEmitted: {
		model.TriggerPhaseDeferred: true,
		model.TriggerPhaseSent:     true,
	},
	model.TriggerPhaseDeferred: {
		model.TriggerPhaseDeferred: true,
		model.TriggerPhaseSent:     true,
	},
	model.TriggerPhaseSent: {
		model.TriggerPhaseAwaitingOutput: true,
	},
	model.TriggerPhaseAwaitingOutput: {
		model.TriggerPhaseAwaitingOutput: true,
		model.TriggerPhaseParsed:         true,
	},
	model.TriggerPhaseParsed: {
		model.TriggerPhaseDone: true,
	},
}

// CanTransitionTrigger reports whether a review trigger may move between the
// two phases. Only the parsed → done transition advances the review cursor.
func CanTransitionTrigger(from model.TriggerPhase, to model.TriggerPhase) bool {
	return triggerTransitions[from][to]
}

// Terminal reports whether the trigger lifecycle has finished.
func Terminal(phase model.TriggerPhase) bool {
	return phase == model.TriggerPhaseDone
}

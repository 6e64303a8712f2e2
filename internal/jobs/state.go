package jobs

import "github.com/rodrwan/moaa/internal/model"

var allowedTransitions = map[model.Status]map[model.Status]bool{
	model.StatusPending: {
		model.StatusProcessing: true,
	},
	model.StatusProcessing: {
		// Redelivery of an attempt that never finished.
		model.StatusProcessing:     true,
		model.StatusAwaitingReview: true,
		model.StatusFailed:         true,
	},
	model.StatusAwaitingReview: {
		model.StatusApproved: true,
		model.StatusRejected: true,
	},
	model.StatusApproved: {
		model.StatusMerged: true,
	},
}

func CanTransition(from, to model.Status) bool {
	if next, ok := allowedTransitions[from]; ok {
		return next[to]
	}
	return false
}

// Sources lists, in declaration order, every status that may move to to.
func Sources(to model.Status) []model.Status {
	var out []model.Status
	for _, from := range model.AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

package swarm

import (
	"strings"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/models"
)

// boilerplatePhrases are openings that signal a model answered without
// doing any work.
var boilerplatePhrases = []string{
	"i'll help you",
	"i'd be happy to",
	"here's how you could",
	"here is how you could",
	"to accomplish this",
	"as an ai",
	"let me know if",
	"sure, i can",
}

// failureAdmissions are phrases that contradict a success flag.
var failureAdmissions = []string{
	"i was unable to",
	"i couldn't complete",
	"i could not complete",
	"i cannot access",
	"i can't access",
	"i don't have access",
	"failed to complete",
	"ran out of time",
	"unable to proceed",
	"task could not be",
}

// isHollow detects hollow completions: an apparent success with no real
// work behind it. A success is hollow when it made no tool calls and the
// output is trivially short, when it made no tool calls and the output is
// boilerplate, or when the output admits failure despite the success flag.
func isHollow(cfg *config.Config, result *models.SubtaskResult) bool {
	if result == nil || !result.Success {
		return false
	}
	out := strings.ToLower(strings.TrimSpace(result.Output))

	if result.ToolCalls == 0 {
		if len(out) < cfg.HollowOutputThreshold {
			return true
		}
		for _, p := range boilerplatePhrases {
			if strings.HasPrefix(out, p) {
				return true
			}
		}
	}
	for _, p := range failureAdmissions {
		if strings.Contains(out, p) {
			return true
		}
	}
	return false
}

// hollowTracker watches swarm-wide hollow pressure and decides when to
// terminate the whole run (opt-in).
type hollowTracker struct {
	cfg *config.Config

	dispatches int
	hollows    int

	// consecutive hollows, only meaningful for single-model swarms
	streak int
}

// streakLimit is the consecutive-hollow count that terminates a
// single-model swarm.
const streakLimit = 3

func newHollowTracker(cfg *config.Config) *hollowTracker {
	return &hollowTracker{cfg: cfg}
}

func (h *hollowTracker) recordDispatch() {
	h.dispatches++
}

func (h *hollowTracker) recordOutcome(hollow bool) {
	if hollow {
		h.hollows++
		h.streak++
	} else {
		h.streak = 0
	}
}

// shouldTerminate applies the two termination rules: a single-model swarm
// reaching the hollow streak limit, or a multi-model swarm whose hollow
// ratio exceeds the threshold after enough dispatches.
func (h *hollowTracker) shouldTerminate(singleModel bool) bool {
	if !h.cfg.EnableHollowTermination {
		return false
	}
	if singleModel && h.streak >= streakLimit {
		return true
	}
	if !singleModel && h.dispatches >= h.cfg.HollowTerminationMinDispatch {
		ratio := float64(h.hollows) / float64(h.dispatches)
		if ratio > h.cfg.HollowTerminationRatio {
			return true
		}
	}
	return false
}

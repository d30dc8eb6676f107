package knot

// outcome tracks the facts the exit-code rule needs:
// whether a SIGTERM was ever involved, and the last code the child (or
// the supervisor itself) set. Folding both into one struct with a
// single decision method keeps "any death not attributable to SIGTERM
// or a whitelisted code is abnormal" in one place instead of scattered
// across the state machine.
type outcome struct {
	exitCode      int
	sigtermSeen   bool
	childSignaled bool
}

func newOutcome() *outcome {
	return &outcome{exitCode: 2}
}

// noteSupervisorSigterm records that the supervisor itself received
// SIGTERM (condition (a) of the exit-code rule).
func (o *outcome) noteSupervisorSigterm() {
	o.sigtermSeen = true
}

// noteChildSignaledTerm records that the child was forwarded SIGTERM
// (condition (b)).
func (o *outcome) noteChildSignaledTerm() {
	o.childSignaled = true
}

// noteExit records the child's wait status: code is its exit code if
// it exited normally, or 128 plus the signal number if it died from a
// signal (see reapOnce).
func (o *outcome) noteExit(code int) {
	o.exitCode = code
}

// finalExitCode applies the exit-code rule: 0 iff a SIGTERM was received
// at the supervisor, or the child was signaled with SIGTERM, or the
// child's exit code is in normalExitCodes (or, absent that list, the
// kind isn't Daemon and the code is 0). Otherwise the last-set code.
func (o *outcome) finalExitCode(kindIsDaemon bool, normalExitCodes []int) int {
	if o.sigtermSeen || o.childSignaled {
		return 0
	}
	if len(normalExitCodes) > 0 {
		for _, c := range normalExitCodes {
			if c == o.exitCode {
				return 0
			}
		}
		return o.exitCode
	}
	if !kindIsDaemon && o.exitCode == 0 {
		return 0
	}
	return o.exitCode
}

package knot

import "testing"

func TestFinalExitCodeSupervisorSigterm(t *testing.T) {
	o := newOutcome()
	o.noteExit(17)
	o.noteSupervisorSigterm()
	if got := o.finalExitCode(true, nil); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}

func TestFinalExitCodeChildSignaledTerm(t *testing.T) {
	o := newOutcome()
	o.noteExit(17)
	o.noteChildSignaledTerm()
	if got := o.finalExitCode(true, nil); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}

func TestFinalExitCodeNormalExitCodesList(t *testing.T) {
	o := newOutcome()
	o.noteExit(42)
	if got := o.finalExitCode(true, []int{42, 43}); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}

func TestFinalExitCodeNormalExitCodesListRejects(t *testing.T) {
	o := newOutcome()
	o.noteExit(7)
	if got := o.finalExitCode(true, []int{42, 43}); got != 7 {
		t.Fatalf("want 7, got %d", got)
	}
}

func TestFinalExitCodeCommandKindZeroIsNormal(t *testing.T) {
	o := newOutcome()
	o.noteExit(0)
	if got := o.finalExitCode(false, nil); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}

func TestFinalExitCodeDefaultAbnormal(t *testing.T) {
	o := newOutcome()
	if got := o.finalExitCode(true, nil); got != 2 {
		t.Fatalf("want 2, got %d", got)
	}
}

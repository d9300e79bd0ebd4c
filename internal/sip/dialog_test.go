package sip

import (
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/flowpbx/internal/database/models"
)

func newTestDialog(callID string) *Dialog {
	return &Dialog{
		CallID:      callID,
		Direction:   CallTypeInternal,
		CallerIDNum: "1001",
		CalledNum:   "1002",
		StartTime:   time.Now(),
	}
}

func TestCreateDialogSetsConnectedState(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-1")

	dm.CreateDialog(d)

	got := dm.GetDialog("call-1")
	if got == nil {
		t.Fatal("expected dialog to be registered")
	}
	if got.State != CallStateConnected {
		t.Errorf("State = %q, want %q", got.State, CallStateConnected)
	}
	if got.AnswerTime == nil {
		t.Error("AnswerTime should be set")
	}
}

func TestRegisterRingingThenCreateDialogPromotesToConnected(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-2")

	dm.RegisterRinging(d)
	if got := dm.GetDialog("call-2"); got.State != CallStateRinging {
		t.Fatalf("State after RegisterRinging = %q, want ringing", got.State)
	}

	dm.CreateDialog(d)
	if got := dm.GetDialog("call-2"); got.State != CallStateConnected {
		t.Errorf("State after CreateDialog = %q, want connected", got.State)
	}
}

func TestTerminateDialogRemovesFromActiveMapAndStopsActor(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-3")
	dm.CreateDialog(d)

	terminated := dm.TerminateDialog("call-3", "normal_clearing")
	if terminated == nil {
		t.Fatal("expected terminated dialog back")
	}
	if terminated.State != CallStateEnded {
		t.Errorf("State = %q, want ended", terminated.State)
	}
	if terminated.HangupCause != "normal_clearing" {
		t.Errorf("HangupCause = %q, want normal_clearing", terminated.HangupCause)
	}
	if dm.HasDialog("call-3") {
		t.Error("dialog should be removed from the active map")
	}
	if dm.TerminateDialog("call-3", "again") != nil {
		t.Error("terminating an already-terminated call should return nil")
	}
}

func TestHoldAndResumeRoundtrip(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-4")
	dm.CreateDialog(d)

	dm.Hold("call-4")
	if got := dm.GetDialog("call-4"); got.State != CallStateOnHold {
		t.Fatalf("State after Hold = %q, want on_hold", got.State)
	}

	dm.Resume("call-4")
	if got := dm.GetDialog("call-4"); got.State != CallStateConnected {
		t.Errorf("State after Resume = %q, want connected", got.State)
	}
}

func TestHoldIsNoopWhenNotConnected(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-5")
	dm.RegisterRinging(d)

	dm.Hold("call-5")
	if got := dm.GetDialog("call-5"); got.State != CallStateRinging {
		t.Errorf("State = %q, Hold on a ringing call should be a no-op", got.State)
	}
}

// TestNoAnswerTimerLosesRaceToAnswer verifies that a no-answer timer firing
// after the callee has already answered does not clobber a CONNECTED call:
// whichever event reaches the mailbox first wins.
func TestNoAnswerTimerLosesRaceToAnswer(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-6")
	dm.RegisterRinging(d)
	dm.CreateDialog(d)

	fired := false
	dm.HandleNoAnswerTimer("call-6", func(d *Dialog) { fired = true })

	if fired {
		t.Error("no-answer timer should not fire once the call is connected")
	}
	if got := dm.GetDialog("call-6"); got.State != CallStateConnected {
		t.Errorf("State = %q, want connected (timer must not override answer)", got.State)
	}
}

func TestNoAnswerTimerFiresWhileStillRinging(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-7")
	dm.RegisterRinging(d)

	var gotCause string
	dm.HandleNoAnswerTimer("call-7", func(d *Dialog) {
		gotCause = "routed_to_voicemail"
	})

	got := dm.GetDialog("call-7")
	if got.State != CallStateEnding {
		t.Errorf("State = %q, want ending", got.State)
	}
	if !got.RoutedToVoicemail {
		t.Error("RoutedToVoicemail should be set")
	}
	if gotCause != "routed_to_voicemail" {
		t.Error("onFire callback should have run")
	}
}

func TestMediaTimeoutIgnoredAfterTeardownStarted(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-8")
	dm.CreateDialog(d)
	dm.TerminateDialog("call-8", "normal_clearing")

	fired := false
	dm.HandleMediaTimeout("call-8", func(d *Dialog) { fired = true })
	if fired {
		t.Error("media timeout on a torn-down call should be a no-op (actor already stopped)")
	}
}

// TestConcurrentByeAndNoAnswerTimerSerialize fires a BYE-equivalent
// TerminateDialog concurrently with a no-answer timer and asserts the
// mailbox serializes them: exactly one of the two effects wins, never both
// partially applied.
func TestConcurrentByeAndNoAnswerTimerSerialize(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := newTestDialog("call-9")
	dm.RegisterRinging(d)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dm.HandleNoAnswerTimer("call-9", func(d *Dialog) {})
	}()
	go func() {
		defer wg.Done()
		dm.TerminateDialog("call-9", "caller_cancel")
	}()
	wg.Wait()

	if dm.HasDialog("call-9") {
		t.Error("call should end up terminated and removed either way")
	}
}

func TestActiveCallCountForTrunkAndExtension(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d1 := newTestDialog("call-10")
	d1.TrunkID = 5
	d1.Caller.Extension = &models.Extension{ID: 100}
	dm.CreateDialog(d1)

	if got := dm.ActiveCallCountForTrunk(5); got != 1 {
		t.Errorf("ActiveCallCountForTrunk(5) = %d, want 1", got)
	}
	if got := dm.ActiveCallCountForTrunk(6); got != 0 {
		t.Errorf("ActiveCallCountForTrunk(6) = %d, want 0", got)
	}
	if got := dm.ActiveCallCountForExtension(100); got != 1 {
		t.Errorf("ActiveCallCountForExtension(100) = %d, want 1", got)
	}
}

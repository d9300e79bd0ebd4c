package sip

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowpbx/internal/database/models"
	"github.com/flowpbx/flowpbx/internal/media"
)

// CallState represents the lifecycle state of a call. The full transition
// diagram is: RINGING -> EARLY_MEDIA (optional) -> CONNECTED <-> ON_HOLD,
// and RINGING/CONNECTED/ON_HOLD -> ENDING -> ENDED on BYE, CANCEL, a fired
// no-answer timer, or a media_timeout event.
type CallState string

const (
	CallStateRinging    CallState = "ringing"
	CallStateEarlyMedia CallState = "early_media"
	CallStateConnected  CallState = "connected"
	CallStateOnHold     CallState = "on_hold"
	CallStateEnding     CallState = "ending"
	CallStateEnded      CallState = "ended"
)

// CallLeg represents one side of a call (caller or callee).
type CallLeg struct {
	// Extension is the local extension for this leg (nil for trunk legs).
	Extension *models.Extension

	// Registration is the contact that answered (callee side).
	Registration *models.Registration

	// FromTag identifies the dialog participant (From header tag).
	FromTag string

	// ToTag identifies the dialog participant (To header tag).
	ToTag string

	// ContactURI is the Contact header URI for this leg.
	ContactURI string

	// RemoteTarget is the SIP URI to send in-dialog requests (BYE) to.
	RemoteTarget *sip.Uri
}

// Dialog represents an active call session between two parties.
// It tracks the SIP dialog state and timing information needed for
// CDR generation and call teardown.
//
// Fields are only safe to read or write from within a call to
// DialogManager.Enqueue (or one of its typed wrappers below) once the
// dialog has been registered with a DialogManager: registration spins up a
// dedicated callActor goroutine that drains a per-call mailbox, so that two
// concurrent triggers for the same call (a BYE arriving on the SIP
// transaction goroutine, a no-answer timer firing on the timer service
// goroutine, a media_timeout event from the RTP relay) are always applied
// one at a time, in arrival order, instead of racing on shared fields.
type Dialog struct {
	// CallID is the SIP Call-ID header value shared by both legs.
	CallID string

	// State is the current lifecycle state of the call.
	State CallState

	// Direction is the call type (internal, inbound, outbound).
	Direction CallType

	// TrunkID is the trunk used for this call (inbound or outbound).
	// Zero for internal calls.
	TrunkID int64

	// Caller is the originating leg of the call.
	Caller CallLeg

	// Callee is the terminating leg of the call.
	Callee CallLeg

	// CallerIDName is the display name of the caller.
	CallerIDName string

	// CallerIDNum is the extension or phone number of the caller.
	CallerIDNum string

	// CalledNum is the dialed number/extension.
	CalledNum string

	// CallerTx is the inbound server transaction (caller → PBX).
	CallerTx sip.ServerTransaction

	// CallerReq is the original INVITE from the caller, needed for
	// building in-dialog requests (e.g. BYE).
	CallerReq *sip.Request

	// CalleeTx is the outbound client transaction (PBX → callee).
	CalleeTx sip.ClientTransaction

	// CalleeReq is the forked INVITE sent to the callee, needed for
	// building in-dialog requests (e.g. BYE).
	CalleeReq *sip.Request

	// CalleeRes is the 200 OK response from the callee, containing
	// dialog parameters (To tag, Contact) needed for BYE.
	CalleeRes *sip.Response

	// StartTime is when the INVITE was received.
	StartTime time.Time

	// AnswerTime is when the call was answered (200 OK received).
	AnswerTime *time.Time

	// EndTime is when the call was terminated (BYE sent/received).
	EndTime *time.Time

	// HangupCause describes why the call ended.
	HangupCause string

	// RoutedToVoicemail is set when a no-answer timer retires the ringing
	// leg and the call is diverted to voicemail instead of failing outright.
	RoutedToVoicemail bool

	// Media is the RTP media session for this call, managing the relay
	// between caller and callee legs. Released on call teardown.
	Media *media.MediaSession
}

// Duration returns the total call duration from start to end.
// Returns zero if the call has not ended.
func (d *Dialog) Duration() time.Duration {
	if d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

// BillableDuration returns the duration from answer to end.
// Returns zero if the call was never answered or has not ended.
func (d *Dialog) BillableDuration() time.Duration {
	if d.AnswerTime == nil || d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(*d.AnswerTime)
}

// Disposition returns the CDR disposition string based on call state.
func (d *Dialog) Disposition() string {
	switch {
	case d.State == CallStateEnded && d.AnswerTime != nil:
		return "answered"
	case d.HangupCause == "caller_cancel":
		return "cancelled"
	case d.HangupCause == "no_answer":
		return "no_answer"
	case d.HangupCause == "busy":
		return "busy"
	default:
		return "failed"
	}
}

// callEvent is one message in a call's mailbox: apply mutates the dialog
// under the actor goroutine, and done (if non-nil) is closed once apply has
// run so a synchronous caller can wait for the result.
type callEvent struct {
	apply func(*Dialog)
	done  chan struct{}
}

// callActor serializes all mutation of one Dialog through a single
// goroutine draining a buffered mailbox, per the per-call concurrency
// discipline: whichever of "BYE received" or "no-answer timer fired"
// reaches the mailbox first is the one that gets to decide the call's fate.
type callActor struct {
	dialog  *Dialog
	mailbox chan callEvent
	quit    chan struct{}
	done    chan struct{}
}

func newCallActor(d *Dialog) *callActor {
	a := &callActor{
		dialog:  d,
		mailbox: make(chan callEvent, 32),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *callActor) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.mailbox:
			ev.apply(a.dialog)
			if ev.done != nil {
				close(ev.done)
			}
		case <-a.quit:
			a.drain()
			return
		}
	}
}

// drain applies any events already queued before the actor exits, so a
// TerminateDialog racing a just-submitted event doesn't silently drop it.
func (a *callActor) drain() {
	for {
		select {
		case ev := <-a.mailbox:
			ev.apply(a.dialog)
			if ev.done != nil {
				close(ev.done)
			}
		default:
			return
		}
	}
}

// submit enqueues apply and blocks until it has run (or the actor has
// already been stopped, in which case submit returns without running it).
func (a *callActor) submit(apply func(*Dialog)) {
	done := make(chan struct{})
	select {
	case a.mailbox <- callEvent{apply: apply, done: done}:
	case <-a.quit:
		return
	}
	select {
	case <-done:
	case <-a.done:
	}
}

func (a *callActor) stop() {
	close(a.quit)
	<-a.done
}

// DialogManager tracks all active call dialogs in memory, each owned by its
// own callActor. It provides thread-safe access for concurrent SIP request
// processing, timer callbacks, and media relay events.
type DialogManager struct {
	mu     sync.RWMutex
	actors map[string]*callActor // keyed by Call-ID
	logger *slog.Logger
}

// NewDialogManager creates a new in-memory dialog tracker.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		actors: make(map[string]*callActor),
		logger: logger.With("subsystem", "dialog"),
	}
}

func (dm *DialogManager) actorFor(callID string) *callActor {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.actors[callID]
}

// RegisterRinging registers a new dialog while it is still ringing (no
// answer yet), spinning up its callActor so that a no-answer timer or an
// early CANCEL can be serialized against whatever arrives first.
func (dm *DialogManager) RegisterRinging(d *Dialog) {
	d.State = CallStateRinging

	actor := newCallActor(d)
	dm.mu.Lock()
	dm.actors[d.CallID] = actor
	dm.mu.Unlock()

	dm.logger.Info("dialog registered ringing",
		"call_id", d.CallID,
		"direction", d.Direction,
		"caller", d.CallerIDNum,
		"callee", d.CalledNum,
	)
}

// CreateDialog registers a new call dialog when an INVITE is answered, or
// promotes an already-registered ringing dialog to CONNECTED. The dialog is
// stored with state CallStateConnected.
func (dm *DialogManager) CreateDialog(d *Dialog) {
	now := time.Now()
	d.AnswerTime = &now
	d.State = CallStateConnected

	actor := dm.actorFor(d.CallID)
	if actor == nil {
		actor = newCallActor(d)
		dm.mu.Lock()
		dm.actors[d.CallID] = actor
		dm.mu.Unlock()
	} else {
		// A RegisterRinging call already spun up this actor with a bare
		// dialog (caller leg only). Replace its contents in place via the
		// mailbox so the fully-populated callee leg/media fields of d
		// win, instead of silently keeping the stale ringing dialog.
		actor.submit(func(existing *Dialog) {
			*existing = *d
		})
	}

	dm.logger.Info("dialog created",
		"call_id", d.CallID,
		"direction", d.Direction,
		"caller", d.CallerIDNum,
		"callee", d.CalledNum,
	)
}

// GetDialog retrieves an active dialog by Call-ID.
// Returns nil if no dialog exists for the given Call-ID.
func (dm *DialogManager) GetDialog(callID string) *Dialog {
	actor := dm.actorFor(callID)
	if actor == nil {
		return nil
	}
	return actor.dialog
}

// Enqueue serializes apply through callID's mailbox and waits for it to run.
// It is a no-op if no dialog is registered for callID. Use this for any
// state transition triggered from outside the dialog's original SIP
// transaction goroutine (timer fire, RTP relay media_timeout, admin
// control action) to avoid racing concurrent triggers against each other.
func (dm *DialogManager) Enqueue(callID string, apply func(*Dialog)) {
	actor := dm.actorFor(callID)
	if actor == nil {
		return
	}
	actor.submit(apply)
}

// HandleNoAnswerTimer applies the no-answer timer firing for callID. It
// only acts if the call is still RINGING: if a 200 OK or CANCEL already
// raced it to the mailbox, the call has moved on and the timer is a no-op.
// onFire is invoked with the dialog locked in the actor goroutine so the
// caller (the dial-plan router) can CANCEL upstream and divert to
// voicemail without racing a concurrent BYE.
func (dm *DialogManager) HandleNoAnswerTimer(callID string, onFire func(d *Dialog)) {
	dm.Enqueue(callID, func(d *Dialog) {
		if d.State != CallStateRinging && d.State != CallStateEarlyMedia {
			return
		}
		d.RoutedToVoicemail = true
		d.State = CallStateEnding
		if onFire != nil {
			onFire(d)
		}
	})
}

// HandleMediaTimeout applies a 30 s RTP inactivity event for callID. It only
// acts if the call is still CONNECTED or ON_HOLD: a call that has already
// started tearing down ignores a late media_timeout.
func (dm *DialogManager) HandleMediaTimeout(callID string, onTimeout func(d *Dialog)) {
	dm.Enqueue(callID, func(d *Dialog) {
		if d.State != CallStateConnected && d.State != CallStateOnHold {
			return
		}
		d.State = CallStateEnding
		d.HangupCause = "media_timeout"
		if onTimeout != nil {
			onTimeout(d)
		}
	})
}

// TransitionToEarlyMedia marks a still-ringing dialog as carrying early
// media (e.g. a 183 Session Progress with SDP).
func (dm *DialogManager) TransitionToEarlyMedia(callID string) {
	dm.Enqueue(callID, func(d *Dialog) {
		if d.State == CallStateRinging {
			d.State = CallStateEarlyMedia
		}
	})
}

// Hold marks a connected dialog ON_HOLD. It is a no-op if the call is not
// currently CONNECTED.
func (dm *DialogManager) Hold(callID string) {
	dm.Enqueue(callID, func(d *Dialog) {
		if d.State == CallStateConnected {
			d.State = CallStateOnHold
		}
	})
}

// Resume reverses Hold. It is a no-op if the call is not currently ON_HOLD.
func (dm *DialogManager) Resume(callID string) {
	dm.Enqueue(callID, func(d *Dialog) {
		if d.State == CallStateOnHold {
			d.State = CallStateConnected
		}
	})
}

// TerminateDialog marks a dialog as terminated and removes it from the
// active map. Returns the terminated dialog for CDR generation, or nil
// if no dialog was found. The terminal transition always runs through the
// call's mailbox so it cannot race a concurrently in-flight event.
func (dm *DialogManager) TerminateDialog(callID string, hangupCause string) *Dialog {
	dm.mu.Lock()
	actor, ok := dm.actors[callID]
	if ok {
		delete(dm.actors, callID)
	}
	dm.mu.Unlock()

	if !ok {
		return nil
	}

	actor.submit(func(d *Dialog) {
		now := time.Now()
		d.EndTime = &now
		d.State = CallStateEnded
		d.HangupCause = hangupCause
	})
	actor.stop()

	d := actor.dialog
	dm.logger.Info("dialog terminated",
		"call_id", d.CallID,
		"direction", d.Direction,
		"hangup_cause", hangupCause,
		"duration_ms", d.Duration().Milliseconds(),
		"billable_ms", d.BillableDuration().Milliseconds(),
	)

	return d
}

// ActiveCalls returns a snapshot of all currently active dialogs.
// The returned slice is a copy safe for iteration without holding the lock.
func (dm *DialogManager) ActiveCalls() []*Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	calls := make([]*Dialog, 0, len(dm.actors))
	for _, a := range dm.actors {
		calls = append(calls, a.dialog)
	}
	return calls
}

// ActiveCallCount returns the number of currently active calls.
func (dm *DialogManager) ActiveCallCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.actors)
}

// HasDialog returns true if a dialog exists for the given Call-ID.
func (dm *DialogManager) HasDialog(callID string) bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	_, ok := dm.actors[callID]
	return ok
}

// ActiveCallCountForTrunk returns the number of active calls using the given
// trunk ID. This is used to enforce the trunk's max_channels limit: if the
// count equals or exceeds max_channels, the trunk should not accept new calls.
func (dm *DialogManager) ActiveCallCountForTrunk(trunkID int64) int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	count := 0
	for _, a := range dm.actors {
		if a.dialog.TrunkID == trunkID {
			count++
		}
	}
	return count
}

// ActiveCallCountForExtension returns the number of active calls involving
// the given extension ID (as either caller or callee). This is used for
// busy detection: if the count equals or exceeds the number of registered
// devices, the extension is considered busy.
func (dm *DialogManager) ActiveCallCountForExtension(extensionID int64) int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	count := 0
	for _, a := range dm.actors {
		d := a.dialog
		if d.Caller.Extension != nil && d.Caller.Extension.ID == extensionID {
			count++
		}
		if d.Callee.Extension != nil && d.Callee.Extension.ID == extensionID {
			count++
		}
	}
	return count
}

// Package admin exposes a narrow control surface over the running PBX
// instance. It exists so that the HTTP API, mobile API, and any future
// control-plane consumer operate through one interface instead of each
// reaching into *sip.Server, *media.ConferenceManager, and friends directly.
package admin

import (
	"context"
	"errors"
	"time"

	"github.com/flowpbx/flowpbx/internal/database"
	"github.com/flowpbx/flowpbx/internal/database/models"
	"github.com/flowpbx/flowpbx/internal/media"
	"github.com/flowpbx/flowpbx/internal/sip"
)

// ErrNotSupported is returned by operations that are valid per the control
// surface but have no backing implementation (e.g. phone-book export).
var ErrNotSupported = errors.New("admin: operation not supported")

// ActiveCall describes one in-progress or ringing call for enumeration.
type ActiveCall struct {
	CallID       string
	State        string
	Direction    string
	CallerIDName string
	CallerIDNum  string
	CalledNum    string
	StartTime    time.Time
	AnswerTime   *time.Time
	DurationSec  int
}

// TrunkStatus mirrors the SIP trunk registrar's view of one trunk's
// registration/health-check state.
type TrunkStatus struct {
	TrunkID        int64
	Name           string
	Type           string
	Status         string
	LastError      string
	RetryAttempt   int
	FailedAt       *time.Time
	RegisteredAt   *time.Time
	ExpiresAt      *time.Time
	LastOptionsAt  *time.Time
	OptionsHealthy bool
}

// ConferenceParticipant describes one participant of a live conference room.
type ConferenceParticipant struct {
	ID           string
	CallerIDName string
	CallerIDNum  string
	JoinedAt     time.Time
	Muted        bool
}

// RegisteredExtension pairs an extension with its current device registrations.
type RegisteredExtension struct {
	Extension     models.Extension
	Registrations []models.Registration
}

// Control is the narrow interface per spec.md §4.12: enumerate and act on
// active calls, query and drive trunk registration, manage conference
// participants, enumerate registered extensions, and adjust runtime
// diagnostics (SIP tracing) — all idempotent where semantically possible
// and returning structured errors rather than panicking on an unknown ID.
type Control interface {
	// ActiveCalls enumerates every ringing or connected call.
	ActiveCalls() []ActiveCall
	// ActiveCallCount returns the total number of ringing + connected calls.
	ActiveCallCount() int
	// EndCall hangs up an active call by Call-ID. Returns false if the
	// Call-ID is not currently active (already ended is not an error).
	EndCall(ctx context.Context, callID, reason string) (bool, error)
	// HoldCall and ResumeCall toggle hold state for an active call.
	HoldCall(ctx context.Context, callID string) (bool, error)
	ResumeCall(ctx context.Context, callID string) (bool, error)
	// TransferCall blind-transfers an active call: it REFERs the caller leg
	// to destination and, once accepted, releases the PBX's side of the
	// original bridge.
	TransferCall(ctx context.Context, callID, destination string) error

	// TrunkStatuses enumerates registration/health state for all trunks.
	TrunkStatuses() []TrunkStatus
	TrunkStatus(trunkID int64) (TrunkStatus, bool)
	StartTrunk(ctx context.Context, trunk models.Trunk) error
	StopTrunk(trunkID int64)
	TestTrunkRegister(ctx context.Context, trunk models.Trunk) error
	TestTrunkOptions(ctx context.Context, trunk models.Trunk) error
	ReloadTrunks(ctx context.Context) error

	// ConferenceParticipants, MuteParticipant and KickParticipant manage a
	// live conference bridge's roster.
	ConferenceParticipants(bridgeID int64) ([]ConferenceParticipant, error)
	MuteParticipant(bridgeID int64, participantID string, muted bool) error
	KickParticipant(bridgeID int64, participantID string) error

	// RegisteredExtensions enumerates every extension with its current
	// device registrations, for dashboards and phone-book export.
	RegisteredExtensions(ctx context.Context) ([]RegisteredExtension, error)
	// ExportPhoneBook triggers generation of the directory/phone-book feed
	// consumed by provisioned desk phones. Not yet implemented: no
	// phone-book format or distribution channel exists in this build.
	ExportPhoneBook(ctx context.Context) error

	// AllocateRelay reserves an RTP relay session for a synthesized call
	// leg (used by IVR/voicemail prompt playback and the conference mixer).
	AllocateRelay(sessionID, callID string) (*media.Session, error)
	ReleaseRelay(sessionID string)

	// SetSIPLogVerbosity adjusts raw SIP message tracing at runtime.
	SetSIPLogVerbosity(level string)
}

// control is the sip.Server-backed implementation of Control.
type control struct {
	srv           *sip.Server
	extensions    database.ExtensionRepository
	registrations database.RegistrationRepository
	enc           *database.Encryptor
	reload        func(ctx context.Context) error
}

// NewControl builds the control surface for a running SIP server. reload is
// invoked by ReloadTrunks; main wires it to stop and restart all enabled
// trunks from the database, mirroring the teacher's hot-reload endpoint.
func NewControl(
	srv *sip.Server,
	db *database.DB,
	enc *database.Encryptor,
	reload func(ctx context.Context) error,
) Control {
	return &control{
		srv:           srv,
		extensions:    database.NewExtensionRepository(db),
		registrations: database.NewRegistrationRepository(db),
		enc:           enc,
		reload:        reload,
	}
}

func (c *control) ActiveCalls() []ActiveCall {
	now := time.Now()
	var calls []ActiveCall

	for _, d := range c.srv.DialogManager().ActiveCalls() {
		calls = append(calls, ActiveCall{
			CallID:       d.CallID,
			State:        string(d.State),
			Direction:    string(d.Direction),
			CallerIDName: d.CallerIDName,
			CallerIDNum:  d.CallerIDNum,
			CalledNum:    d.CalledNum,
			StartTime:    d.StartTime,
			AnswerTime:   d.AnswerTime,
			DurationSec:  int(now.Sub(d.StartTime).Seconds()),
		})
	}

	for _, pc := range c.srv.PendingCallManager().PendingCalls() {
		entry := ActiveCall{CallID: pc.CallID, State: "ringing", StartTime: now}
		if pc.CallerReq != nil {
			if from := pc.CallerReq.From(); from != nil {
				entry.CallerIDName = from.DisplayName
				entry.CallerIDNum = from.Address.User
			}
			entry.CalledNum = pc.CallerReq.Recipient.User
		}
		calls = append(calls, entry)
	}

	return calls
}

func (c *control) ActiveCallCount() int {
	return c.srv.DialogManager().ActiveCallCount() + c.srv.PendingCallManager().PendingCallCount()
}

func (c *control) EndCall(_ context.Context, callID, reason string) (bool, error) {
	if reason == "" {
		reason = "admin_hangup"
	}
	return c.srv.EndCall(callID, reason), nil
}

func (c *control) HoldCall(_ context.Context, callID string) (bool, error) {
	return c.srv.HoldCall(callID), nil
}

func (c *control) ResumeCall(_ context.Context, callID string) (bool, error) {
	return c.srv.ResumeCall(callID), nil
}

func (c *control) TransferCall(ctx context.Context, callID, destination string) error {
	return c.srv.TransferCall(ctx, callID, destination)
}

func (c *control) TrunkStatuses() []TrunkStatus {
	states := c.srv.TrunkRegistrar().GetAllStatuses()
	out := make([]TrunkStatus, len(states))
	for i, st := range states {
		out[i] = toTrunkStatus(st)
	}
	return out
}

func (c *control) TrunkStatus(trunkID int64) (TrunkStatus, bool) {
	st, ok := c.srv.TrunkRegistrar().GetStatus(trunkID)
	if !ok {
		return TrunkStatus{}, false
	}
	return toTrunkStatus(st), true
}

func toTrunkStatus(st sip.TrunkState) TrunkStatus {
	return TrunkStatus{
		TrunkID:        st.TrunkID,
		Name:           st.Name,
		Type:           st.Type,
		Status:         string(st.Status),
		LastError:      st.LastError,
		RetryAttempt:   st.RetryAttempt,
		FailedAt:       st.FailedAt,
		RegisteredAt:   st.RegisteredAt,
		ExpiresAt:      st.ExpiresAt,
		LastOptionsAt:  st.LastOptionsAt,
		OptionsHealthy: st.OptionsHealthy,
	}
}

func (c *control) decryptTrunkPassword(trunk *models.Trunk) error {
	if trunk.Type != "register" || trunk.Password == "" || c.enc == nil {
		return nil
	}
	decrypted, err := c.enc.Decrypt(trunk.Password)
	if err != nil {
		return err
	}
	trunk.Password = decrypted
	return nil
}

func (c *control) StartTrunk(ctx context.Context, trunk models.Trunk) error {
	switch trunk.Type {
	case "register":
		if err := c.decryptTrunkPassword(&trunk); err != nil {
			return err
		}
		return c.srv.TrunkRegistrar().StartTrunk(ctx, trunk)
	case "ip":
		return c.srv.TrunkRegistrar().StartHealthCheck(ctx, trunk)
	default:
		return errors.New("admin: unknown trunk type " + trunk.Type)
	}
}

func (c *control) StopTrunk(trunkID int64) {
	c.srv.TrunkRegistrar().StopTrunk(trunkID)
}

func (c *control) TestTrunkRegister(ctx context.Context, trunk models.Trunk) error {
	return c.srv.TrunkRegistrar().TestRegister(ctx, trunk)
}

func (c *control) TestTrunkOptions(ctx context.Context, trunk models.Trunk) error {
	return c.srv.TrunkRegistrar().SendOptions(ctx, trunk)
}

func (c *control) ReloadTrunks(ctx context.Context) error {
	if c.reload == nil {
		return ErrNotSupported
	}
	return c.reload(ctx)
}

func (c *control) ConferenceParticipants(bridgeID int64) ([]ConferenceParticipant, error) {
	participants, err := c.srv.ConferenceManager().Participants(bridgeID)
	if err != nil {
		return nil, err
	}
	out := make([]ConferenceParticipant, len(participants))
	for i, p := range participants {
		out[i] = ConferenceParticipant{
			ID:           p.ID,
			CallerIDName: p.CallerIDName,
			CallerIDNum:  p.CallerIDNum,
			JoinedAt:     p.JoinedAt,
			Muted:        p.Muted,
		}
	}
	return out, nil
}

func (c *control) MuteParticipant(bridgeID int64, participantID string, muted bool) error {
	return c.srv.ConferenceManager().MuteParticipant(bridgeID, participantID, muted)
}

func (c *control) KickParticipant(bridgeID int64, participantID string) error {
	return c.srv.ConferenceManager().Kick(bridgeID, participantID)
}

func (c *control) RegisteredExtensions(ctx context.Context) ([]RegisteredExtension, error) {
	exts, err := c.extensions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RegisteredExtension, len(exts))
	for i, ext := range exts {
		regs, err := c.registrations.GetByExtensionID(ctx, ext.ID)
		if err != nil {
			return nil, err
		}
		out[i] = RegisteredExtension{Extension: ext, Registrations: regs}
	}
	return out, nil
}

func (c *control) ExportPhoneBook(context.Context) error {
	return ErrNotSupported
}

func (c *control) AllocateRelay(sessionID, callID string) (*media.Session, error) {
	return c.srv.SessionManager().Allocate(sessionID, callID)
}

func (c *control) ReleaseRelay(sessionID string) {
	c.srv.SessionManager().Release(sessionID)
}

func (c *control) SetSIPLogVerbosity(level string) {
	c.srv.MessageTracer().SetVerbosity(sip.ParseSIPLogVerbosity(level))
}

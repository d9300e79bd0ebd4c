package sip

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/flowpbx/flowpbx/internal/config"
	"github.com/flowpbx/flowpbx/internal/database"
	"github.com/flowpbx/flowpbx/internal/database/models"
)

// RouteKind identifies which of the dial plan's destination patterns a
// dialed number matched.
type RouteKind string

const (
	RouteInternal   RouteKind = "internal"
	RouteConference RouteKind = "conference"
	RouteVoicemail  RouteKind = "voicemail"
	RouteParking    RouteKind = "parking"
	RoutePaging     RouteKind = "paging"
	RouteEmergency  RouteKind = "emergency"
	RouteExternal   RouteKind = "external"
)

// RouteDecision is the outcome of classifying one dialed number against the
// dial plan: a tagged union over RouteKind, with only the field matching
// Kind populated.
type RouteDecision struct {
	Kind RouteKind

	// Number is the dialed number, set for Internal, Emergency, and
	// External decisions.
	Number string

	// ConferenceBridge is set for Conference decisions.
	ConferenceBridge *models.ConferenceBridge

	// VoicemailMailbox is the extension whose mailbox should be reached
	// directly, set for Voicemail decisions (dialed "*1002" -> "1002").
	VoicemailMailbox string

	// ParkingSlot is the parked-call slot number, set for Parking decisions.
	ParkingSlot string

	// PagingGroup is the paging group identifier, set for Paging decisions
	// (dialed "7100" with a paging prefix of "7" -> "100").
	PagingGroup string
}

// DialPlan classifies a dialed number (the Request-URI user part of an
// INVITE from a local extension) against the PBX's configured dial
// patterns, in priority order: emergency numbers always win regardless of
// any other pattern, then parking, voicemail, paging, conference, and
// finally the internal extension range. A number matching none of these
// patterns is External and should be routed to a trunk via least-cost
// routing.
//
// The conference pattern is advisory: a dialed number matching it is only
// treated as Conference if a bridge is actually provisioned for that
// extension, so an unprovisioned number in the conference range still
// falls through to Internal/External rather than dead-ending.
type DialPlan struct {
	internalPattern   *regexp.Regexp
	conferencePattern *regexp.Regexp
	voicemailPattern  *regexp.Regexp
	parkingPattern    *regexp.Regexp
	pagingPrefix      string
	emergencyNumbers  map[string]struct{}

	conferences database.ConferenceBridgeRepository
	logger      *slog.Logger
}

// NewDialPlan compiles a DialPlan from its configured patterns. An empty
// pattern string disables that rule (it never matches). conferences may be
// nil, in which case conference-range numbers always fall through.
func NewDialPlan(cfg config.DialPlanConfig, conferences database.ConferenceBridgeRepository, logger *slog.Logger) (*DialPlan, error) {
	dp := &DialPlan{
		pagingPrefix: cfg.PagingPrefix,
		conferences:  conferences,
		logger:       logger.With("subsystem", "dialplan"),
	}

	var err error
	if dp.internalPattern, err = compilePattern(cfg.InternalPattern); err != nil {
		return nil, fmt.Errorf("internal_pattern: %w", err)
	}
	if dp.conferencePattern, err = compilePattern(cfg.ConferencePattern); err != nil {
		return nil, fmt.Errorf("conference_pattern: %w", err)
	}
	if dp.voicemailPattern, err = compilePattern(cfg.VoicemailPattern); err != nil {
		return nil, fmt.Errorf("voicemail_pattern: %w", err)
	}
	if dp.parkingPattern, err = compilePattern(cfg.ParkingPattern); err != nil {
		return nil, fmt.Errorf("parking_pattern: %w", err)
	}

	dp.emergencyNumbers = make(map[string]struct{}, len(cfg.EmergencyNumbers))
	for _, n := range cfg.EmergencyNumbers {
		dp.emergencyNumbers[n] = struct{}{}
	}

	return dp, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// Classify resolves dialed against the dial plan's patterns in priority
// order and returns the resulting RouteDecision.
func (dp *DialPlan) Classify(ctx context.Context, dialed string) RouteDecision {
	if _, ok := dp.emergencyNumbers[dialed]; ok {
		dp.logger.Info("dial plan matched emergency number", "number", dialed)
		return RouteDecision{Kind: RouteEmergency, Number: dialed}
	}

	if dp.parkingPattern != nil && dp.parkingPattern.MatchString(dialed) {
		dp.logger.Debug("dial plan matched parking slot", "number", dialed)
		return RouteDecision{Kind: RouteParking, ParkingSlot: dialed}
	}

	if dp.voicemailPattern != nil && dp.voicemailPattern.MatchString(dialed) {
		mailbox := strings.TrimPrefix(dialed, "*")
		dp.logger.Debug("dial plan matched voicemail prefix", "number", dialed, "mailbox", mailbox)
		return RouteDecision{Kind: RouteVoicemail, VoicemailMailbox: mailbox}
	}

	if dp.pagingPrefix != "" && dialed != dp.pagingPrefix && strings.HasPrefix(dialed, dp.pagingPrefix) {
		group := strings.TrimPrefix(dialed, dp.pagingPrefix)
		dp.logger.Debug("dial plan matched paging prefix", "number", dialed, "group", group)
		return RouteDecision{Kind: RoutePaging, PagingGroup: group}
	}

	if dp.conferencePattern != nil && dp.conferencePattern.MatchString(dialed) && dp.conferences != nil {
		bridge, err := dp.conferences.GetByExtension(ctx, dialed)
		if err != nil {
			dp.logger.Error("looking up conference bridge", "number", dialed, "error", err)
		} else if bridge != nil {
			dp.logger.Debug("dial plan matched conference bridge", "number", dialed, "bridge", bridge.Name)
			return RouteDecision{Kind: RouteConference, ConferenceBridge: bridge}
		}
	}

	if dp.internalPattern != nil && dp.internalPattern.MatchString(dialed) {
		return RouteDecision{Kind: RouteInternal, Number: dialed}
	}

	return RouteDecision{Kind: RouteExternal, Number: dialed}
}

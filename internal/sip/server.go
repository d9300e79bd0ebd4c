package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowpbx/internal/config"
	"github.com/flowpbx/flowpbx/internal/database"
	"github.com/flowpbx/flowpbx/internal/email"
	"github.com/flowpbx/flowpbx/internal/flow"
	"github.com/flowpbx/flowpbx/internal/flow/nodes"
	"github.com/flowpbx/flowpbx/internal/lcr"
	"github.com/flowpbx/flowpbx/internal/media"
	"github.com/flowpbx/flowpbx/internal/timer"
)

// Server wraps the sipgo SIP stack with FlowPBX-specific handlers.
type Server struct {
	cfg            *config.Config
	ua             *sipgo.UserAgent
	srv            *sipgo.Server
	registrar      *Registrar
	trunkRegistrar *TrunkRegistrar
	inviteHandler  *InviteHandler
	forker         *Forker
	auth           *Authenticator
	dialogMgr      *DialogManager
	pendingMgr     *PendingCallManager
	sessionMgr     *media.SessionManager
	dtmfMgr        *media.CallDTMFManager
	conferenceMgr  *media.ConferenceManager
	tracer         *MessageTracer
	timerSvc       *timer.Service
	cdrs           database.CDRRepository
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	logger         *slog.Logger
}

// NewServer creates a SIP server with all handlers registered.
func NewServer(cfg *config.Config, db *database.DB, enc *database.Encryptor, sysConfig database.SystemConfigRepository, emailSend *email.Sender) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("FlowPBX"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	extensions := database.NewExtensionRepository(db)
	registrations := database.NewRegistrationRepository(db)
	inboundNumbers := database.NewInboundNumberRepository(db)
	trunks := database.NewTrunkRepository(db)

	auth := NewAuthenticator(extensions, logger)
	registrar := NewRegistrar(extensions, registrations, auth, logger)
	trunkRegistrar := NewTrunkRegistrar(ua, logger)

	forker, err := NewForker(ua, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating invite forker: %w", err)
	}

	// Create RTP media proxy and session manager.
	rtpProxy, err := media.NewProxy(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		forker.Close()
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating rtp media proxy: %w", err)
	}

	sessionMgr := media.NewSessionManager(rtpProxy, logger)
	proxyIP := cfg.MediaIP()
	logger.Info("media proxy configured",
		"proxy_ip", proxyIP,
		"rtp_port_min", cfg.RTPPortMin,
		"rtp_port_max", cfg.RTPPortMax,
	)

	dialogMgr := NewDialogManager(logger)
	pendingMgr := NewPendingCallManager(logger)
	timerSvc := timer.NewService(logger)
	dtmfMgr := media.NewCallDTMFManager(logger)
	cdrs := database.NewCDRRepository(db)
	callFlows := database.NewCallFlowRepository(db)
	conferences := database.NewConferenceBridgeRepository(db)
	ringGroups := database.NewRingGroupRepository(db)
	voicemailBoxes := database.NewVoicemailBoxRepository(db)
	ivrMenus := database.NewIVRMenuRepository(db)
	timeSwitches := database.NewTimeSwitchRepository(db)
	trunkRates := database.NewTrunkRateRepository(db)

	lcrEngine := loadLCREngine(trunkRates, logger)
	outboundRouter := NewOutboundRouter(trunks, trunkRegistrar, enc, lcrEngine, logger)

	dialPlan, err := NewDialPlan(cfg.Files.DialPlan, conferences, logger)
	if err != nil {
		forker.Close()
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("compiling dial plan: %w", err)
	}

	// Create conference manager for active conference room lifecycle.
	conferenceMgr := media.NewConferenceManager(rtpProxy, cfg.DataDir, logger)

	// Wire raw SIP message tracing at the verbosity configured for the
	// instance. Off by default; toggled at runtime via the admin control
	// surface without needing a restart.
	tracer := NewMessageTracer(logger, ParseSIPLogVerbosity(cfg.SIPLogVerbosity))
	sip.SIPDebugTracer(tracer)

	// Create the flow engine for inbound call routing via visual flow graphs.
	voicemailMessages := database.NewVoicemailMessageRepository(db)
	entityResolver := flow.NewEntityResolver(extensions, ringGroups, voicemailBoxes, ivrMenus, timeSwitches, conferences, inboundNumbers)
	flowEngine := flow.NewEngine(callFlows, cdrs, entityResolver, logger)
	flowSIPActions := NewFlowSIPActions(extensions, registrations, forker, dialogMgr, pendingMgr, sessionMgr, dtmfMgr, conferenceMgr, cdrs, proxyIP, logger)
	nodes.RegisterAll(flowEngine, flowSIPActions, extensions, voicemailMessages, sysConfig, enc, emailSend, cfg.DataDir, logger)

	inviteHandler := NewInviteHandler(extensions, registrations, inboundNumbers, trunks, trunkRegistrar, auth, outboundRouter, forker, dialogMgr, pendingMgr, sessionMgr, cdrs, sysConfig, flowEngine, flowSIPActions, dialPlan, voicemailBoxes, timerSvc, proxyIP, cfg.DataDir, logger)

	s := &Server{
		cfg:            cfg,
		ua:             ua,
		srv:            srv,
		registrar:      registrar,
		trunkRegistrar: trunkRegistrar,
		inviteHandler:  inviteHandler,
		forker:         forker,
		auth:           auth,
		dialogMgr:      dialogMgr,
		pendingMgr:     pendingMgr,
		sessionMgr:     sessionMgr,
		dtmfMgr:        dtmfMgr,
		conferenceMgr:  conferenceMgr,
		tracer:         tracer,
		timerSvc:       timerSvc,
		cdrs:           cdrs,
		logger:         logger,
	}

	inviteHandler.SetMediaTimeoutHandler(func(callID, reason string) {
		s.dialogMgr.HandleMediaTimeout(callID, func(d *Dialog) {
			s.sendBYEToCallee(d)
			s.sendBYEToCaller(d)
			if d.Media != nil {
				d.Media.Release()
			}
		})
		terminated := s.dialogMgr.TerminateDialog(callID, reason)
		if terminated == nil {
			return
		}
		s.finalizeCDR(terminated)
		s.logger.Info("call ended by media timeout", "call_id", callID)
	})

	s.registerHandlers()
	return s, nil
}

// loadLCREngine builds a least-cost-routing engine from the persisted rate
// table. A rate whose dial pattern fails to compile is logged and skipped
// rather than aborting startup; an empty or unreadable rate table yields an
// engine with no rates, and OutboundRouter falls back to plain priority
// ordering whenever no rate matches.
func loadLCREngine(rates database.TrunkRateRepository, logger *slog.Logger) *lcr.Engine {
	entries, err := rates.List(context.Background())
	if err != nil {
		logger.Error("failed to load trunk rates, lcr disabled", "error", err)
		return lcr.NewEngine(nil)
	}

	compiled := make([]*lcr.Rate, 0, len(entries))
	for _, rt := range entries {
		pattern, err := lcr.NewPattern(rt.Pattern, rt.Description)
		if err != nil {
			logger.Error("skipping trunk rate with invalid pattern",
				"trunk_id", rt.TrunkID,
				"pattern", rt.Pattern,
				"error", err,
			)
			continue
		}
		compiled = append(compiled, &lcr.Rate{
			TrunkID:          rt.TrunkID,
			Pattern:          pattern,
			RatePerMinute:    rt.RatePerMinute,
			ConnectionFee:    rt.ConnectionFee,
			MinimumSeconds:   rt.MinimumSeconds,
			BillingIncrement: rt.BillingIncrement,
			QualityScore:     rt.QualityScore,
		})
	}

	logger.Info("lcr engine loaded", "rate_count", len(compiled))
	return lcr.NewEngine(compiled)
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.inviteHandler.HandleInvite)
	s.srv.OnRegister(s.registrar.HandleRegister)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBYE)
	s.srv.OnCancel(s.handleCANCEL)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
	s.srv.OnNotify(s.handleNOTIFY)
}

// Start begins listening on configured transports. It blocks until the
// context is cancelled or a fatal listener error occurs.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	tcpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	// Start UDP listener.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	// Start TCP listener.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", tcpAddr)
		if err := s.srv.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	// Start TLS listener if cert and key are configured.
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		tlsAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPTLSPort)
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip tls listener starting", "addr", tlsAddr)
			if err := s.srv.ListenAndServeTLS(ctx, "tls", tlsAddr, tlsCfg); err != nil {
				s.logger.Error("sip tls listener stopped", "error", err)
			}
		}()
	}

	// WSS listener is reserved for Phase 2 (WebRTC). Log the reservation.
	s.logger.Info("sip wss listener reserved for phase 2",
		"port", 8089,
		"enabled", false,
	)

	// Start registration expiry cleanup.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunExpiryCleanup(ctx)
	}()

	// Start the RTP session reaper for orphaned media sessions.
	s.sessionMgr.StartReaper()

	// Start the no-answer deadline scheduler used by ringing dialogs.
	s.timerSvc.Start()

	return nil
}

// Stop gracefully shuts down all SIP listeners and waits for goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.timerSvc != nil {
		s.timerSvc.Stop()
	}
	// Drain per-call DTMF buffers.
	if s.dtmfMgr != nil {
		s.dtmfMgr.Drain()
	}
	// Stop the session reaper and release all active media sessions.
	if s.sessionMgr != nil {
		s.sessionMgr.StopReaper()
		s.sessionMgr.ReleaseAll()
	}
	if s.forker != nil {
		s.forker.Close()
	}
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// TrunkRegistrar returns the trunk registration manager for querying status
// and managing trunk registrations.
func (s *Server) TrunkRegistrar() *TrunkRegistrar {
	return s.trunkRegistrar
}

// handleACK processes incoming ACK requests. Per RFC 3261 §13.2.2.4, when
// the PBX (as B2BUA) sends a 200 OK to the caller, the caller responds
// with an ACK to confirm the dialog. ACK requests are not transactional —
// they have no response.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	s.logger.Debug("sip ack received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	// Verify the ACK matches an active dialog.
	if d := s.dialogMgr.GetDialog(callID); d != nil {
		s.logger.Debug("ack matched active dialog",
			"call_id", callID,
			"caller", d.CallerIDNum,
			"callee", d.CalledNum,
		)
	} else {
		s.logger.Debug("ack for unknown dialog (may be pre-dialog or stale)",
			"call_id", callID,
		)
	}
}

// handleBYE processes incoming BYE requests to terminate an active call.
// It identifies which leg sent the BYE, tears down the other leg, releases
// media resources, and creates a CDR record.
func (s *Server) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	s.logger.Info("sip bye received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	// Look up the active dialog for this call.
	d := s.dialogMgr.GetDialog(callID)
	if d == nil {
		s.logger.Warn("bye for unknown dialog",
			"call_id", callID,
		)
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to bye", "error", err)
		}
		return
	}

	// Acknowledge the BYE with 200 OK.
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "error", err)
	}

	// Determine which leg sent the BYE and send BYE to the other leg.
	fromTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			fromTag = tag
		}
	}

	hangupCause := "normal_clearing"
	callerHangup := fromTag == d.Caller.FromTag || fromTag == ""

	if callerHangup {
		s.logger.Debug("bye from caller, sending bye to callee",
			"call_id", callID,
		)
		s.sendBYEToCallee(d)
		hangupCause = "caller_bye"
	} else {
		s.logger.Debug("bye from callee, sending bye to caller",
			"call_id", callID,
		)
		s.sendBYEToCaller(d)
		hangupCause = "callee_bye"
	}

	// Release media resources.
	if d.Media != nil {
		d.Media.Release()
		s.logger.Debug("media session released on bye",
			"call_id", callID,
		)
	}

	// Terminate the dialog.
	terminated := s.dialogMgr.TerminateDialog(callID, hangupCause)
	if terminated == nil {
		return
	}

	// Create CDR record.
	s.finalizeCDR(terminated)
}

// sendBYEToCallee sends a BYE request to the callee (answering device).
// The BYE is constructed as an in-dialog request using the dialog parameters
// from the original INVITE and 200 OK exchange.
func (s *Server) sendBYEToCallee(d *Dialog) {
	if d.CalleeReq == nil {
		s.logger.Warn("cannot send bye to callee: no callee request stored",
			"call_id", d.CallID,
		)
		return
	}

	byeReq := s.buildInDialogBYE(
		d.CalleeReq,
		d.CalleeRes,
		d.Callee.RemoteTarget,
	)

	if err := s.forker.Client().WriteRequest(byeReq); err != nil {
		s.logger.Error("failed to send bye to callee",
			"call_id", d.CallID,
			"error", err,
		)
	} else {
		s.logger.Debug("bye sent to callee",
			"call_id", d.CallID,
		)
	}
}

// sendBYEToCaller sends a BYE request to the caller (originating device).
// The BYE is constructed as an in-dialog request using the dialog parameters
// from the original INVITE.
func (s *Server) sendBYEToCaller(d *Dialog) {
	if d.CallerReq == nil {
		s.logger.Warn("cannot send bye to caller: no caller request stored",
			"call_id", d.CallID,
		)
		return
	}

	// For the caller leg, we build a BYE as a UAS sending to the UAC.
	// The roles are reversed: the From/To are swapped relative to the original INVITE.
	byeReq := buildReverseDialogBYE(d.CallerReq)

	if err := s.forker.Client().WriteRequest(byeReq); err != nil {
		s.logger.Error("failed to send bye to caller",
			"call_id", d.CallID,
			"error", err,
		)
	} else {
		s.logger.Debug("bye sent to caller",
			"call_id", d.CallID,
		)
	}
}

// buildInDialogBYE creates a BYE request within an established dialog on the
// outbound (callee) leg. The Request-URI is the Contact from the callee's 200 OK
// (remoteTarget), and dialog headers match the original INVITE/response exchange.
func (s *Server) buildInDialogBYE(
	inviteReq *sip.Request,
	inviteResp *sip.Response,
	remoteTarget *sip.Uri,
) *sip.Request {
	// Request-URI: Contact from the callee's 200 OK, or original INVITE recipient.
	recipient := &inviteReq.Recipient
	if remoteTarget != nil {
		recipient = remoteTarget
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	// From: same as the original INVITE (our side of the dialog).
	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	// To: from the response (includes remote tag).
	if inviteResp != nil {
		if h := inviteResp.To(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
	} else if h := inviteReq.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	// Call-ID: same as the dialog.
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: new sequence number, method BYE.
	cseq := &sip.CSeqHeader{
		SeqNo:      2,
		MethodName: sip.BYE,
	}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	bye.SetSource(inviteReq.Source())

	return bye
}

// buildReverseDialogBYE creates a BYE request to the caller (originating side).
// Since the PBX is the UAS for the caller's INVITE, the From/To headers are
// swapped: our To becomes From, and the caller's From becomes To.
func buildReverseDialogBYE(callerReq *sip.Request) *sip.Request {
	// Request-URI: the Contact from the caller's INVITE (where to send BYE).
	recipient := &callerReq.Recipient
	if contact := callerReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = callerReq.SipVersion

	// From/To swapped: we are now the initiator of BYE.
	// From = original To (PBX side), To = original From (caller side).
	if h := callerReq.To(); h != nil {
		fromHeader := h.AsFrom()
		bye.AppendHeader(&fromHeader)
	}
	if h := callerReq.From(); h != nil {
		toHeader := h.AsTo()
		bye.AppendHeader(&toHeader)
	}

	// Call-ID: same as the dialog.
	if h := callerReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: new sequence number for this direction.
	cseq := &sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.BYE,
	}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(callerReq.Transport())
	bye.SetSource(callerReq.Source())

	return bye
}

// buildReverseDialogREFER creates a REFER request to the caller (originating
// side) asking its user agent to place a new INVITE to destination. Dialog
// headers are built the same way as buildReverseDialogBYE (From/To swapped,
// since the PBX is the UAS for the caller's INVITE), plus a Refer-To header
// per RFC 3515.
func buildReverseDialogREFER(callerReq *sip.Request, destination string) *sip.Request {
	recipient := &callerReq.Recipient
	if contact := callerReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	refer := sip.NewRequest(sip.REFER, *recipient.Clone())
	refer.SipVersion = callerReq.SipVersion

	if h := callerReq.To(); h != nil {
		fromHeader := h.AsFrom()
		refer.AppendHeader(&fromHeader)
	}
	if h := callerReq.From(); h != nil {
		toHeader := h.AsTo()
		refer.AppendHeader(&toHeader)
	}
	if h := callerReq.CallID(); h != nil {
		refer.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.REFER,
	}
	refer.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	refer.AppendHeader(&maxFwd)

	// Refer-To names the transfer target in the caller's own domain. The
	// callee is expected to issue a fresh INVITE to this URI on receiving
	// our REFER.
	referTo := destination
	if host := callerReq.Recipient.Host; host != "" {
		referTo = fmt.Sprintf("sip:%s@%s", destination, host)
	}
	refer.AppendHeader(sip.NewHeader("Refer-To", referTo))
	refer.AppendHeader(sip.NewHeader("Referred-By", callerReq.Recipient.String()))

	refer.SetTransport(callerReq.Transport())
	refer.SetSource(callerReq.Source())

	return refer
}

// handleNOTIFY accepts the transfer-progress NOTIFY a transferred user agent
// sends back after a REFER, per RFC 3515 §2.4.4. The sipfrag body reports
// the new INVITE's provisional/final status; we only need to acknowledge it
// so the transferring UA's subscription doesn't retransmit.
func (s *Server) handleNOTIFY(req *sip.Request, tx sip.ServerTransaction) {
	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	s.logger.Info("sip notify received (refer progress)",
		"from", req.From().Address.User,
		"event", event,
		"body", string(req.Body()),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to notify", "error", err)
	}
}

// TransferCall performs a blind transfer of an active, bridged call: it
// sends the caller leg a REFER to destination and, once accepted, tears
// down the PBX's side of the original call so the caller's own fresh
// INVITE (triggered by the REFER) isn't still anchored to a bridge here.
func (s *Server) TransferCall(ctx context.Context, callID, destination string) error {
	d := s.dialogMgr.GetDialog(callID)
	if d == nil {
		return fmt.Errorf("sip: no active call %s", callID)
	}
	if d.CallerReq == nil {
		return fmt.Errorf("sip: call %s has no caller request to transfer", callID)
	}

	referReq := buildReverseDialogREFER(d.CallerReq, destination)
	tx, err := s.forker.Client().TransactionRequest(ctx, referReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending refer to caller: %w", err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode >= 300 {
			return fmt.Errorf("sip: refer rejected by caller: %d %s", res.StatusCode, res.Reason)
		}
	case <-tx.Done():
		if err := tx.Err(); err != nil {
			return fmt.Errorf("refer transaction failed: %w", err)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("sip: refer to caller timed out")
	}

	s.logger.Info("blind transfer accepted, releasing bridged call",
		"call_id", callID,
		"destination", destination,
	)

	s.sendBYEToCallee(d)
	if d.Media != nil {
		d.Media.Release()
	}
	terminated := s.dialogMgr.TerminateDialog(callID, "transferred")
	if terminated != nil {
		s.finalizeCDR(terminated)
	}
	return nil
}

// finalizeCDR updates the CDR that was created at call start with hangup
// information from the terminated dialog.
func (s *Server) finalizeCDR(d *Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cdr, err := s.cdrs.GetByCallID(ctx, d.CallID)
	if err != nil {
		s.logger.Error("failed to fetch cdr for finalization",
			"call_id", d.CallID,
			"error", err,
		)
		return
	}
	if cdr == nil {
		s.logger.Warn("no cdr found to finalize",
			"call_id", d.CallID,
		)
		return
	}

	durationSec := int(d.Duration().Seconds())
	billableSec := int(d.BillableDuration().Seconds())

	cdr.AnswerTime = d.AnswerTime
	cdr.EndTime = d.EndTime
	cdr.Duration = &durationSec
	cdr.BillableDur = &billableSec
	cdr.Disposition = d.Disposition()
	cdr.HangupCause = d.HangupCause

	if err := s.cdrs.Update(ctx, cdr); err != nil {
		s.logger.Error("failed to finalize cdr",
			"call_id", d.CallID,
			"error", err,
		)
		return
	}

	s.logger.Info("cdr finalized",
		"call_id", d.CallID,
		"cdr_id", cdr.ID,
		"direction", cdr.Direction,
		"disposition", cdr.Disposition,
		"duration", durationSec,
		"billable", billableSec,
	)
}

// handleCANCEL processes incoming CANCEL requests when the caller hangs up
// before the call is answered. Per RFC 3261 §9.2, the server responds 200 OK
// to the CANCEL, cancels all forked INVITE legs, and sends 487 Request
// Terminated on the original INVITE server transaction.
func (s *Server) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	s.logger.Info("sip cancel received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	// Cancel the pending call: abort all fork legs, release media, send 487
	// to the original INVITE transaction. The CANCEL itself gets 200 OK,
	// per RFC 3261 §9.2, only when it actually applied to a transaction
	// still in progress.
	if s.pendingMgr.Cancel(callID, s.logger) {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to cancel", "error", err)
		}

		s.logger.Info("pending call cancelled",
			"call_id", callID,
		)

		// Finalize the CDR for the cancelled call.
		s.finalizeCancelledCDR(callID)
		return
	}

	// No pending fork found for this Call-ID: either the INVITE transaction
	// already completed with a final response (the call is answered and
	// CONNECTED) or the Call-ID is unknown to us. RFC 3261 §9.2 says CANCEL
	// has no effect on a transaction that already produced a final response
	// — it does not terminate an established dialog — so this always gets
	// 481 and an already-answered call is left running untouched.
	res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel", "error", err)
	}

	if s.dialogMgr.GetDialog(callID) != nil {
		s.logger.Info("cancel arrived after answer, call remains connected",
			"call_id", callID,
		)
		return
	}

	s.logger.Warn("cancel for unknown call",
		"call_id", callID,
	)
}

// finalizeCancelledCDR updates the CDR for a call that was cancelled
// by the caller before being answered.
func (s *Server) finalizeCancelledCDR(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cdr, err := s.cdrs.GetByCallID(ctx, callID)
	if err != nil {
		s.logger.Error("failed to fetch cdr for cancelled call",
			"call_id", callID,
			"error", err,
		)
		return
	}
	if cdr == nil {
		s.logger.Warn("no cdr found for cancelled call",
			"call_id", callID,
		)
		return
	}

	now := time.Now()
	durationSec := int(now.Sub(cdr.StartTime).Seconds())
	billableSec := 0
	cdr.EndTime = &now
	cdr.Duration = &durationSec
	cdr.BillableDur = &billableSec
	cdr.Disposition = "cancelled"
	cdr.HangupCause = "caller_cancel"

	if err := s.cdrs.Update(ctx, cdr); err != nil {
		s.logger.Error("failed to finalize cdr for cancelled call",
			"call_id", callID,
			"error", err,
		)
		return
	}

	s.logger.Info("cdr finalized for cancelled call",
		"call_id", callID,
		"cdr_id", cdr.ID,
		"disposition", cdr.Disposition,
	)
}

// DialogManager returns the call dialog tracker for querying active calls.
func (s *Server) DialogManager() *DialogManager {
	return s.dialogMgr
}

// PendingCallManager returns the pending call tracker for querying ringing calls.
func (s *Server) PendingCallManager() *PendingCallManager {
	return s.pendingMgr
}

// CallDTMFManager returns the per-call DTMF buffer manager for injecting
// and collecting DTMF digits during IVR operations.
func (s *Server) CallDTMFManager() *media.CallDTMFManager {
	return s.dtmfMgr
}

// ConferenceManager returns the active conference room tracker for runtime
// participant control (mute, kick, enumerate).
func (s *Server) ConferenceManager() *media.ConferenceManager {
	return s.conferenceMgr
}

// SessionManager returns the RTP relay session allocator, used to reserve
// relay endpoints for synthesized call legs (IVR/voicemail prompts,
// conference mixer taps) from outside the SIP package.
func (s *Server) SessionManager() *media.SessionManager {
	return s.sessionMgr
}

// MessageTracer returns the raw SIP message tracer for runtime verbosity control.
func (s *Server) MessageTracer() *MessageTracer {
	return s.tracer
}

// EndCall terminates an in-progress call by Call-ID, sending BYE to both
// legs and finalizing its CDR. Returns false if no such call is active.
func (s *Server) EndCall(callID, hangupCause string) bool {
	d := s.dialogMgr.GetDialog(callID)
	if d == nil {
		return false
	}
	s.sendBYEToCallee(d)
	s.sendBYEToCaller(d)
	if d.Media != nil {
		d.Media.Release()
	}
	terminated := s.dialogMgr.TerminateDialog(callID, hangupCause)
	if terminated == nil {
		return false
	}
	s.finalizeCDR(terminated)
	return true
}

// HoldCall places an active call on hold by Call-ID. Returns false if no
// such call is active.
func (s *Server) HoldCall(callID string) bool {
	if !s.dialogMgr.HasDialog(callID) {
		return false
	}
	s.dialogMgr.Hold(callID)
	return true
}

// ResumeCall takes a held call off hold by Call-ID. Returns false if no
// such call is active.
func (s *Server) ResumeCall(callID string) bool {
	if !s.dialogMgr.HasDialog(callID) {
		return false
	}
	s.dialogMgr.Resume(callID)
	return true
}

// handleOptions responds to SIP OPTIONS requests (keepalive pings from
// trunks and phones).
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO, REFER, NOTIFY"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO requests. Currently detects DTMF digits
// sent via SIP INFO as a fallback for endpoints that do not support
// RFC 2833 telephone-event.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	ct := req.ContentType()
	if ct == nil {
		s.logger.Debug("sip info without content-type, ignoring",
			"call_id", callID,
			"source", req.Source(),
		)
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to info", "error", err)
		}
		return
	}

	dtmfInfo, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		// Not a DTMF INFO — respond 200 OK but don't process further.
		s.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
			"source", req.Source(),
		)
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to info", "error", err)
		}
		return
	}

	s.logger.Info("sip info dtmf received",
		"signal", dtmfInfo.Signal,
		"duration", dtmfInfo.Duration,
		"call_id", callID,
		"source", req.Source(),
	)

	// Route the DTMF digit to the call's per-call buffer for IVR collection.
	if s.dtmfMgr != nil {
		s.dtmfMgr.Inject(callID, dtmfInfo.Signal)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to info", "error", err)
	}
}

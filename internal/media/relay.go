package media

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// RTP payload types for supported codecs.
	PayloadPCMU = 0   // G.711 u-law
	PayloadPCMA = 8   // G.711 a-law
	PayloadOpus = 111 // Opus (dynamic, commonly 111)

	// maxRTPPacket is the maximum UDP packet size we handle.
	// Standard Ethernet MTU minus IP/UDP headers gives ~1472 bytes,
	// but we allow larger for jumbo frames or aggregation.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12
)

// rtpPayloadType extracts the payload type from an RTP packet.
// Returns -1 if the packet is too small to be valid RTP.
func rtpPayloadType(pkt []byte) int {
	if len(pkt) < minRTPHeader {
		return -1
	}
	// Payload type is bits 1-7 of the second byte (mask off marker bit).
	return int(pkt[1] & 0x7F)
}

// atomicAddr provides thread-safe storage for a UDP address.
// Used for symmetric RTP where the remote address is learned from the
// first incoming packet rather than relying solely on the SDP-signaled address.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// maxBufferedPackets bounds how many packets an endpoint holds onto while
// waiting for set_endpoints, since early media from one leg can arrive
// before the other leg's SDP answer is in (spec.md §4.3 "absent endpoints").
const maxBufferedPackets = 32

// endpoint is the write destination for one relay direction. It may start
// out unset (nil address) if SDP negotiation has not completed on that leg;
// packets arriving before it is set are buffered rather than forwarded.
// The same address also doubles as the symmetric-RTP learn target, matching
// how atomicAddr is used elsewhere in this package.
type endpoint struct {
	mu      sync.Mutex
	addr    *net.UDPAddr
	pending [][]byte
}

func newEndpoint(addr *net.UDPAddr) *endpoint {
	return &endpoint{addr: addr}
}

// target returns the current write address, or nil if not yet set.
func (e *endpoint) target() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// learn updates the address via symmetric RTP and returns true if it changed.
// If the endpoint has never been set, the first observed source becomes the
// initial target.
func (e *endpoint) learn(addr *net.UDPAddr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addr == nil {
		e.addr = addr
		return true
	}
	if e.addr.IP.Equal(addr.IP) && e.addr.Port == addr.Port {
		return false
	}
	e.addr = addr
	return true
}

// sendOrBuffer returns the current write address if set. If unset, pkt is
// copied into a bounded buffer (packets beyond maxBufferedPackets are
// dropped) and the second return value is true, telling the caller to skip
// the write for now.
func (e *endpoint) sendOrBuffer(pkt []byte) (*net.UDPAddr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addr != nil {
		return e.addr, false
	}
	if len(e.pending) < maxBufferedPackets {
		cp := append([]byte(nil), pkt...)
		e.pending = append(e.pending, cp)
	}
	return nil, true
}

// setAndDrain sets the write address and returns any buffered packets, in
// arrival order, clearing the buffer.
func (e *endpoint) setAndDrain(addr *net.UDPAddr) [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addr = addr
	pending := e.pending
	e.pending = nil
	return pending
}

const (
	// mediaInactivityTimeout is how long a CONNECTED call may go without
	// RTP traffic in either direction before the relay reports a timeout.
	mediaInactivityTimeout = 30 * time.Second
	// inactivityCheckInterval is how often the monitor goroutine polls for
	// inactivity once a media-timeout callback has been registered.
	inactivityCheckInterval = 5 * time.Second
)

// Relay manages bidirectional RTP forwarding between two legs of a session.
// It reads packets from each leg's RTP socket and forwards them to the
// other leg's remote endpoint, filtering by allowed payload types.
//
// Symmetric RTP: The relay learns the actual remote address from the first
// valid RTP packet received on each leg. This handles NAT traversal because
// the real source address (post-NAT) may differ from the SDP-signaled address.
type Relay struct {
	session *Session
	logger  *slog.Logger

	// allowedPT is the set of payload types to relay.
	allowedPT map[int]struct{}

	// dtmfPayloadType, when non-zero, marks the negotiated RFC 2833
	// telephone-event payload type. Packets carrying it are forwarded like
	// any other payload AND additionally diverted to onDTMF.
	dtmfPayloadType int
	onDTMF          func(direction string, event *DTMFEvent)

	// onMediaTimeout, if set, is invoked once after mediaInactivityTimeout
	// elapses with no traffic in either direction.
	onMediaTimeout func()

	// held suspends forwarding (both directions) while sockets stay bound,
	// for hold/resume (spec.md §4.3 "on-hold").
	held atomic.Bool

	// callerRemote is the write destination for the callee→caller direction
	// and the symmetric-RTP learn target for caller→callee.
	callerRemote *endpoint
	// calleeRemote is the write destination for the caller→callee direction
	// and the symmetric-RTP learn target for callee→caller.
	calleeRemote *endpoint

	// recorder captures both directions of RTP audio to a WAV file.
	// Set via SetRecorder before Start, or nil to disable recording.
	recorder *Recorder

	wg sync.WaitGroup
}

// NewRelay creates a relay for the given session with the specified allowed
// payload types. callerRemote and calleeRemote are the far-end RTP addresses
// learned from SDP negotiation, or nil if that leg's SDP answer has not yet
// arrived — packets destined for an unset leg are buffered until SetEndpoints
// supplies it. These addresses also serve as symmetric-RTP learn targets.
func NewRelay(session *Session, callerRemote, calleeRemote *net.UDPAddr, allowedPayloadTypes []int, logger *slog.Logger) *Relay {
	pt := make(map[int]struct{}, len(allowedPayloadTypes))
	for _, p := range allowedPayloadTypes {
		pt[p] = struct{}{}
	}
	return &Relay{
		session:      session,
		logger:       logger.With("subsystem", "rtp-relay", "session_id", session.ID),
		allowedPT:    pt,
		callerRemote: newEndpoint(callerRemote),
		calleeRemote: newEndpoint(calleeRemote),
	}
}

// SetRecorder attaches a call recorder to this relay. Both directions of
// RTP audio will be fed to the recorder. Must be called before Start.
func (r *Relay) SetRecorder(rec *Recorder) {
	r.recorder = rec
}

// SetDTMFDivert configures the negotiated telephone-event payload type and a
// callback invoked for each detected DTMF event, in addition to the normal
// forwarding of that packet to the peer (spec.md §4.3 forwarding rules).
// Must be called before Start.
func (r *Relay) SetDTMFDivert(payloadType int, onDTMF func(direction string, event *DTMFEvent)) {
	r.dtmfPayloadType = payloadType
	r.onDTMF = onDTMF
}

// SetMediaTimeout registers a callback fired once a CONNECTED call has seen
// no RTP traffic in either direction for mediaInactivityTimeout. Must be
// called before Start.
func (r *Relay) SetMediaTimeout(onTimeout func()) {
	r.onMediaTimeout = onTimeout
}

// Hold suspends forwarding in both directions without closing sockets or
// forgetting learned endpoints. A collaborator may then redirect one leg to
// a music-on-hold source via SetCallerEndpoint/SetCalleeEndpoint.
func (r *Relay) Hold() {
	r.held.Store(true)
	r.logger.Info("relay forwarding suspended for hold")
}

// Resume reverses Hold, allowing forwarding to continue.
func (r *Relay) Resume() {
	r.held.Store(false)
	r.logger.Info("relay forwarding resumed")
}

// IsHeld reports whether the relay is currently suspended for hold.
func (r *Relay) IsHeld() bool {
	return r.held.Load()
}

// SetCallerEndpoint implements the caller-leg half of set_endpoints: it sets
// (or replaces) the address packets destined for the caller are written to,
// flushing any packets buffered while the address was unknown.
func (r *Relay) SetCallerEndpoint(addr *net.UDPAddr) {
	pending := r.callerRemote.setAndDrain(addr)
	r.flush(r.session.CallerLeg.RTPConn, addr, pending)
	r.logger.Info("caller endpoint set", "address", addr.String(), "flushed", len(pending))
}

// SetCalleeEndpoint implements the callee-leg half of set_endpoints.
func (r *Relay) SetCalleeEndpoint(addr *net.UDPAddr) {
	pending := r.calleeRemote.setAndDrain(addr)
	r.flush(r.session.CalleeLeg.RTPConn, addr, pending)
	r.logger.Info("callee endpoint set", "address", addr.String(), "flushed", len(pending))
}

// SetEndpoints sets both legs' destinations atomically from the caller's
// perspective: set_endpoints(call_id, caller_endpoint, callee_endpoint).
func (r *Relay) SetEndpoints(callerAddr, calleeAddr *net.UDPAddr) {
	r.SetCalleeEndpoint(calleeAddr)
	r.SetCallerEndpoint(callerAddr)
}

func (r *Relay) flush(conn *net.UDPConn, addr *net.UDPAddr, pending [][]byte) {
	for _, pkt := range pending {
		if _, err := conn.WriteToUDP(pkt, addr); err != nil {
			r.logger.Debug("flushing buffered packet failed", "error", err)
			continue
		}
		r.session.TouchActivity()
	}
}

// Start begins bidirectional RTP relay between the two legs.
// Caller→Callee: reads from CallerLeg.RTPConn, writes to CalleeLeg.RTPConn → calleeRemote.
// Callee→Caller: reads from CalleeLeg.RTPConn, writes to CallerLeg.RTPConn → callerRemote.
// Symmetric RTP: each direction learns the actual remote address from the first
// valid RTP packet, handling NAT traversal transparently.
// This method is non-blocking; relay runs in background goroutines.
func (r *Relay) Start() {
	r.session.SetState(SessionStateActive)

	r.wg.Add(2)
	go r.forward("caller→callee", r.session.CallerLeg.RTPConn, r.session.CalleeLeg.RTPConn, r.calleeRemote, r.callerRemote)
	go r.forward("callee→caller", r.session.CalleeLeg.RTPConn, r.session.CallerLeg.RTPConn, r.callerRemote, r.calleeRemote)

	if r.onMediaTimeout != nil {
		r.wg.Add(1)
		go r.monitorInactivity()
	}

	r.logger.Info("rtp relay started",
		"caller_local_port", r.session.CallerLeg.Ports.RTP,
		"callee_local_port", r.session.CalleeLeg.Ports.RTP,
		"caller_remote", addrString(r.callerRemote.target()),
		"callee_remote", addrString(r.calleeRemote.target()),
	)
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return "(pending)"
	}
	return addr.String()
}

// Stop signals the relay goroutines to stop and waits for them to finish.
func (r *Relay) Stop() {
	r.session.Stop()
	r.wg.Wait()
	stats := r.session.Stats()
	r.logger.Info("rtp relay stopped",
		"session_id", r.session.ID,
		"packets_caller_to_callee", stats.PacketsCallerToCallee,
		"packets_callee_to_caller", stats.PacketsCalleeToCaller,
		"bytes_caller_to_callee", stats.BytesCallerToCallee,
		"bytes_callee_to_caller", stats.BytesCalleeToCaller,
		"packets_dropped", stats.PacketsDropped,
	)
}

// CallerAddr returns the current remote address for the caller leg, or nil
// if set_endpoints has not yet supplied one. After symmetric RTP learning,
// this may differ from the SDP-signaled address.
func (r *Relay) CallerAddr() *net.UDPAddr {
	return r.callerRemote.target()
}

// CalleeAddr returns the current remote address for the callee leg, or nil
// if set_endpoints has not yet supplied one. After symmetric RTP learning,
// this may differ from the SDP-signaled address.
func (r *Relay) CalleeAddr() *net.UDPAddr {
	return r.calleeRemote.target()
}

// readTimeout is the read deadline for UDP sockets in the relay loop.
// This allows goroutines to periodically check the stopped flag.
const readTimeout = 100 * time.Millisecond

// forward reads RTP packets from src and writes them to dst toward the
// address held by writeRemote. Only packets with allowed payload types are
// forwarded.
//
// Symmetric RTP: writeRemote is the destination for outgoing packets (the far end
// of the opposite leg). learnRemote is updated with the actual source address of
// the first valid RTP packet received on this leg. This allows the opposite
// direction's forward goroutine to send replies back to the real (post-NAT) address.
func (r *Relay) forward(direction string, src, dst *net.UDPConn, writeRemote, learnRemote *endpoint) {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	learned := false
	for {
		if r.session.IsStopped() {
			return
		}

		src.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := src.ReadFromUDP(buf)
		if err != nil {
			if r.session.IsStopped() {
				return
			}
			// Timeout is expected; loop to re-check stopped flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("rtp read error",
				"direction", direction,
				"error", err,
			)
			continue
		}

		pkt := buf[:n]

		pt := rtpPayloadType(pkt)
		if pt < 0 {
			// Too small to be valid RTP; drop.
			r.session.RecordDrop()
			continue
		}

		if _, ok := r.allowedPT[pt]; !ok {
			// Payload type not in allowed set; drop.
			r.session.RecordDrop()
			continue
		}

		// Symmetric RTP: learn the actual remote address from the first
		// valid RTP packet. This handles NAT where the real source differs
		// from the SDP-signaled address.
		if !learned {
			if learnRemote.learn(srcAddr) {
				r.logger.Info("symmetric rtp: learned remote address",
					"direction", direction,
					"address", srcAddr.String(),
				)
			}
			learned = true
		}

		// Feed RTP payload to recorder if active. The RTP payload starts
		// after the fixed 12-byte header (plus CSRC and extension if present,
		// but G.711 typically has none). We use the simple 12-byte offset.
		if r.recorder != nil && n > minRTPHeader {
			r.recorder.Feed(pkt[minRTPHeader:n], pt)
		}

		// DTMF is forwarded like any other payload but additionally
		// diverted to the telephone-event pipeline (spec.md §4.3).
		if r.dtmfPayloadType != 0 && pt == r.dtmfPayloadType && r.onDTMF != nil {
			if event := ParseDTMFEvent(pkt[minRTPHeader:]); event != nil {
				r.onDTMF(direction, event)
			}
		}

		if r.held.Load() {
			// Sockets stay bound and endpoints stay memorized; just drop
			// the forwarding step so a collaborator can inject MoH by
			// pointing an endpoint elsewhere.
			r.session.TouchActivity()
			continue
		}

		addr, buffered := writeRemote.sendOrBuffer(pkt)
		if buffered {
			// No destination yet (set_endpoints pending): early media is
			// queued up to maxBufferedPackets and otherwise dropped.
			continue
		}

		_, err = dst.WriteToUDP(pkt, addr)
		if err != nil {
			if r.session.IsStopped() {
				return
			}
			r.logger.Debug("rtp write error",
				"direction", direction,
				"error", err,
			)
			continue
		}

		r.session.TouchActivity()
		r.session.RecordPacket(direction, n)
	}
}

// monitorInactivity polls the session's last-activity timestamp and invokes
// onMediaTimeout once after mediaInactivityTimeout elapses with no traffic.
// It fires at most once per relay lifetime; the Call Manager is responsible
// for ending or otherwise handling the call once notified.
func (r *Relay) monitorInactivity() {
	defer r.wg.Done()

	ticker := time.NewTicker(inactivityCheckInterval)
	defer ticker.Stop()

	fired := false
	for range ticker.C {
		if r.session.IsStopped() {
			return
		}
		if fired {
			continue
		}
		if time.Since(r.session.LastActivity()) >= mediaInactivityTimeout {
			fired = true
			r.logger.Warn("rtp relay inactivity timeout",
				"call_id", r.session.CallID,
				"timeout", mediaInactivityTimeout.String(),
			)
			r.onMediaTimeout()
		}
	}
}

// StartPCMARelay creates and starts a relay for G.711 a-law (PCMA, payload type 8)
// passthrough between the two legs of the session.
func StartPCMARelay(session *Session, callerRemote, calleeRemote *net.UDPAddr, logger *slog.Logger) *Relay {
	relay := NewRelay(session, callerRemote, calleeRemote, []int{PayloadPCMA}, logger)
	relay.Start()
	return relay
}

// StartPCMURelay creates and starts a relay for G.711 u-law (PCMU, payload type 0)
// passthrough between the two legs of the session.
func StartPCMURelay(session *Session, callerRemote, calleeRemote *net.UDPAddr, logger *slog.Logger) *Relay {
	relay := NewRelay(session, callerRemote, calleeRemote, []int{PayloadPCMU}, logger)
	relay.Start()
	return relay
}

// StartOpusRelay creates and starts a relay for Opus (payload type 111)
// passthrough between the two legs of the session.
func StartOpusRelay(session *Session, callerRemote, calleeRemote *net.UDPAddr, logger *slog.Logger) *Relay {
	relay := NewRelay(session, callerRemote, calleeRemote, []int{PayloadOpus}, logger)
	relay.Start()
	return relay
}

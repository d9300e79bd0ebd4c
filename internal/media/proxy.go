package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// portCooldown is how long a released port stays out of the allocation pool
// before it can be reused, avoiding packet cross-talk with a delayed peer
// still sending to the old binding (spec.md §4.3).
const portCooldown = 5 * time.Second

// cooldownSweepInterval is how often the background sweeper promotes
// cooled-down ports back into the available pool.
const cooldownSweepInterval = 500 * time.Millisecond

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP connections for an RTP/RTCP port pair.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var rtpErr, rtcpErr error
	if sp.RTPConn != nil {
		rtpErr = sp.RTPConn.Close()
	}
	if sp.RTCPConn != nil {
		rtcpErr = sp.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// Proxy manages a pool of UDP sockets for RTP media relay. It allocates
// even-numbered ports for RTP and the next odd port for RTCP, within a
// configurable range.
type Proxy struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}  // set of allocated RTP ports (even numbers)
	cooling   map[int]time.Time // ports released but not yet reusable, keyed by eligible-again time
	nextPort  int               // next port to try (even number)

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

// NewProxy creates an RTP media proxy with the given port range.
// portMin must be even; portMax must be > portMin.
func NewProxy(portMin, portMax int, logger *slog.Logger) (*Proxy, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "media-proxy")
	capacity := (portMax - portMin + 1) / 2
	l.Info("rtp media proxy initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", capacity,
	)

	return &Proxy{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		cooling:   make(map[int]time.Time),
		nextPort:  portMin,
	}, nil
}

// StartCooldownSweeper launches a background goroutine that periodically
// promotes ports whose cool-down has elapsed back into the available pool.
// Call StopCooldownSweeper to shut it down gracefully.
func (p *Proxy) StartCooldownSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelSweep = cancel
	p.sweepDone = make(chan struct{})
	go p.sweepLoop(ctx)
}

// StopCooldownSweeper signals the sweeper goroutine to stop and waits for it.
func (p *Proxy) StopCooldownSweeper() {
	if p.cancelSweep == nil {
		return
	}
	p.cancelSweep()
	<-p.sweepDone
}

func (p *Proxy) sweepLoop(ctx context.Context) {
	defer close(p.sweepDone)

	ticker := time.NewTicker(cooldownSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepCooldown()
		}
	}
}

func (p *Proxy) sweepCooldown() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for port, eligible := range p.cooling {
		if !now.Before(eligible) {
			delete(p.cooling, port)
		}
	}
}

// Capacity returns the total number of port pairs available in the range.
func (p *Proxy) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// AllocatedCount returns the number of currently allocated port pairs.
func (p *Proxy) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds an RTP+RTCP UDP socket pair from the port pool.
// It returns a SocketPair with both connections ready for use.
// Returns an error if no ports are available or binding fails.
func (p *Proxy) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := (p.portMax - p.portMin + 1) / 2
	if len(p.allocated)+len(p.cooling) >= capacity {
		return nil, fmt.Errorf("no rtp ports available (all %d pairs allocated or cooling down)", capacity)
	}

	// Scan from nextPort through the range to find an available even port.
	startPort := p.nextPort
	for {
		port := p.nextPort

		// Advance nextPort for the next allocation (wrap around).
		p.nextPort += 2
		if p.nextPort > p.portMax-1 {
			p.nextPort = p.portMin
		}

		_, taken := p.allocated[port]
		_, cooling := p.cooling[port]
		if taken || cooling {
			// If we've wrapped all the way around, no ports available.
			if p.nextPort == startPort {
				return nil, fmt.Errorf("no rtp ports available (all checked)")
			}
			continue
		}

		// Try to bind both RTP and RTCP sockets.
		pair, err := bindPair(port)
		if err != nil {
			p.logger.Debug("port pair bind failed, trying next",
				"rtp_port", port,
				"error", err,
			)
			// Port might be in use by another process; skip it.
			if p.nextPort == startPort {
				return nil, fmt.Errorf("no bindable rtp ports available")
			}
			continue
		}

		p.allocated[port] = struct{}{}

		p.logger.Debug("port pair allocated",
			"rtp_port", port,
			"rtcp_port", port+1,
			"allocated", len(p.allocated),
			"capacity", capacity,
		)

		return pair, nil
	}
}

// Release closes the UDP sockets and places the port pair into cool-down.
// The port is not eligible for reallocation until portCooldown has elapsed
// (requires StartCooldownSweeper to have been called to promote it back).
func (p *Proxy) Release(pair *SocketPair) {
	if pair == nil {
		return
	}

	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair",
			"rtp_port", pair.Ports.RTP,
			"error", err,
		)
	}

	p.mu.Lock()
	delete(p.allocated, pair.Ports.RTP)
	p.cooling[pair.Ports.RTP] = time.Now().Add(portCooldown)
	count := len(p.allocated)
	p.mu.Unlock()

	p.logger.Debug("port pair released, entering cooldown",
		"rtp_port", pair.Ports.RTP,
		"rtcp_port", pair.Ports.RTCP,
		"cooldown", portCooldown.String(),
		"allocated", count,
	)
}

// bindPair creates UDP sockets bound to the given even port (RTP) and
// its companion odd port (RTCP). If either bind fails, both are cleaned up.
func bindPair(rtpPort int) (*SocketPair, error) {
	rtpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort}
	rtpConn, err := net.ListenUDP("udp", rtpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpPort := rtpPort + 1
	rtcpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtcpPort}
	rtcpConn, err := net.ListenUDP("udp", rtcpAddr)
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtcpPort, err)
	}

	return &SocketPair{
		Ports:    PortPair{RTP: rtpPort, RTCP: rtcpPort},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}

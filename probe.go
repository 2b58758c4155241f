package edgebox

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultProbeTimeout  = 2 * time.Second
	defaultProbeCacheTTL = 3 * time.Second
)

// DialFunc opens a connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// TCPProbeOption configures a TCPProbe.
type TCPProbeOption func(*TCPProbe)

// WithProbeTimeout bounds each dial.
func WithProbeTimeout(timeout time.Duration) TCPProbeOption {
	return func(p *TCPProbe) {
		p.timeout = timeout
	}
}

// WithProbeCacheTTL sets how long an answer is reused before dialing again.
func WithProbeCacheTTL(ttl time.Duration) TCPProbeOption {
	return func(p *TCPProbe) {
		p.cacheTTL = ttl
	}
}

// WithProbeDialer replaces the dialer used to reach the address.
func WithProbeDialer(dial DialFunc) TCPProbeOption {
	return func(p *TCPProbe) {
		p.dial = dial
	}
}

// WithProbeClock sets the clock used for the answer cache.
func WithProbeClock(clock clockwork.Clock) TCPProbeOption {
	return func(p *TCPProbe) {
		p.clock = clock
	}
}

// WithProbeLogger sets the logger.
func WithProbeLogger(logger *zap.Logger) TCPProbeOption {
	return func(p *TCPProbe) {
		p.logger = logger
	}
}

// TCPProbe reports a sink reachable when a TCP connection to its address
// can be opened. Answers are cached and concurrent checks share one dial.
type TCPProbe struct {
	address  string
	timeout  time.Duration
	cacheTTL time.Duration
	dial     DialFunc
	clock    clockwork.Clock
	logger   *zap.Logger

	group singleflight.Group

	mu        sync.Mutex
	reachable bool
	checkedAt time.Time
}

// NewTCPProbe creates a probe dialing address ("host:port").
func NewTCPProbe(address string, opts ...TCPProbeOption) *TCPProbe {
	p := &TCPProbe{
		address:  address,
		timeout:  defaultProbeTimeout,
		cacheTTL: defaultProbeCacheTTL,
		dial:     (&net.Dialer{}).DialContext,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsReachable implements the Probe interface.
func (p *TCPProbe) IsReachable(ctx context.Context) bool {
	p.mu.Lock()
	if !p.checkedAt.IsZero() && p.clock.Since(p.checkedAt) < p.cacheTTL {
		reachable := p.reachable
		p.mu.Unlock()
		return reachable
	}
	p.mu.Unlock()

	v, _, _ := p.group.Do(p.address, func() (interface{}, error) {
		reachable := p.check(ctx)

		p.mu.Lock()
		p.reachable = reachable
		p.checkedAt = p.clock.Now()
		p.mu.Unlock()

		return reachable, nil
	})
	return v.(bool)
}

func (p *TCPProbe) check(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", p.address)
	if err != nil {
		p.logger.Debug("Probe failed", zap.String("address", p.address), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

// StaticProbe always gives the same answer.
type StaticProbe bool

// IsReachable implements the Probe interface.
func (p StaticProbe) IsReachable(context.Context) bool {
	return bool(p)
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
)

// ErrRangeUnreachable marks a configured range that could not be probed.
var ErrRangeUnreachable = errors.New("probe range unreachable")

// maxRangeHosts caps how many addresses one range may expand to.
const maxRangeHosts = 1 << 16

// Classifier assigns an OS class to a live host.
type Classifier interface {
	Classify(ctx context.Context, host string, openPorts []int) inventory.OSClass
}

// RangeError is a range that was skipped.
type RangeError struct {
	Network string
	Err     error
}

func (e RangeError) Error() string { return fmt.Sprintf("%s: %v", e.Network, e.Err) }
func (e RangeError) Unwrap() error { return e.Err }

// Result is the outcome of a sweep.
type Result struct {
	Hosts   []inventory.DiscoveredHost
	Skipped []RangeError
}

// Scanner performs network discovery.
type Scanner struct {
	profile    config.ProbeProfile
	classifier Classifier
	logger     *logging.Logger
	dial       func(ctx context.Context, network, address string) (net.Conn, error)
	resolver   *net.Resolver
}

// NewScanner constructs scanner for profile. classifier may be nil when only
// basic scans are run.
func NewScanner(profile config.ProbeProfile, classifier Classifier, logger *logging.Logger) *Scanner {
	if profile.MaxWorkers <= 0 {
		profile.MaxWorkers = config.DefaultProbeWorkers
	}
	if profile.TimeoutMS <= 0 {
		profile.TimeoutMS = config.DefaultProbeTimeoutMS
	}
	if len(profile.Ports) == 0 {
		profile.Ports = config.DefaultProbePorts
	}
	if logger == nil {
		logger = logging.Discard()
	}
	d := &net.Dialer{Timeout: time.Duration(profile.TimeoutMS) * time.Millisecond}
	return &Scanner{
		profile:    profile,
		classifier: classifier,
		logger:     logger,
		dial:       d.DialContext,
		resolver:   net.DefaultResolver,
	}
}

// BasicScan returns every live host with OS left unknown.
func (s *Scanner) BasicScan(ctx context.Context, networks []string) []inventory.DiscoveredHost {
	return s.Sweep(ctx, networks, false).Hosts
}

// OSScan returns every live host classified by operating system.
func (s *Scanner) OSScan(ctx context.Context, networks []string) []inventory.DiscoveredHost {
	return s.Sweep(ctx, networks, true).Hosts
}

type target struct {
	name string
	addr netip.Addr
}

// Sweep probes each network in order. Hosts in overlapping ranges are
// reported once; ranges that fail are logged and skipped.
func (s *Scanner) Sweep(ctx context.Context, networks []string, classify bool) Result {
	var res Result
	seen := map[netip.Addr]bool{}
	for _, network := range networks {
		if ctx.Err() != nil {
			break
		}
		targets, err := s.expand(ctx, network)
		if err == nil {
			var hosts []inventory.DiscoveredHost
			hosts, err = s.sweepRange(ctx, network, targets, classify, seen)
			res.Hosts = append(res.Hosts, hosts...)
		}
		if err != nil {
			res.Skipped = append(res.Skipped, RangeError{Network: network, Err: err})
			s.logger.Warn("probe range skipped", "kind", "probe_range_unreachable", "network", network, "error", err)
		}
	}
	return res
}

func (s *Scanner) expand(ctx context.Context, network string) ([]target, error) {
	if prefix, err := netip.ParsePrefix(network); err == nil {
		addrs, err := expandPrefix(prefix)
		if err != nil {
			return nil, err
		}
		out := make([]target, len(addrs))
		for i, a := range addrs {
			out[i] = target{name: a.String(), addr: a}
		}
		return out, nil
	}
	if addr, err := netip.ParseAddr(network); err == nil {
		return []target{{name: addr.String(), addr: addr.Unmap()}}, nil
	}
	if !config.ValidNetwork(network) {
		return nil, fmt.Errorf("%w: %q is not a network, address or host name", ErrRangeUnreachable, network)
	}
	addrs, err := s.resolver.LookupNetIP(ctx, "ip", network)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrRangeUnreachable, network, err)
	}
	return []target{{name: network, addr: addrs[0].Unmap()}}, nil
}

// expandPrefix lists the probe addresses of a prefix, skipping the IPv4
// network and broadcast addresses below /31.
func expandPrefix(prefix netip.Prefix) ([]netip.Addr, error) {
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 16 {
		return nil, fmt.Errorf("%w: %s expands to more than %d addresses", ErrRangeUnreachable, prefix, maxRangeHosts)
	}
	var ips []netip.Addr
	for addr := prefix.Addr(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		ips = append(ips, addr.Unmap())
	}
	if prefix.Addr().Is4() && prefix.Bits() < 31 && len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}
	return ips, nil
}

type probeResult struct {
	target      target
	open        []int
	alive       bool
	unreachable bool
}

func (s *Scanner) sweepRange(ctx context.Context, network string, targets []target, classify bool, seen map[netip.Addr]bool) ([]inventory.DiscoveredHost, error) {
	fresh := targets[:0:0]
	for _, t := range targets {
		if !seen[t.addr] {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	workerCount := min(s.profile.MaxWorkers, len(fresh))
	jobs := make(chan target)
	results := make([]probeResult, 0, len(fresh))
	var mu sync.Mutex
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for t := range jobs {
			r := s.probe(ctx, t)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}
	}
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go worker()
	}
	go func() {
		defer close(jobs)
		for _, t := range fresh {
			select {
			case <-ctx.Done():
				return
			case jobs <- t:
			}
		}
	}()
	wg.Wait()

	alive := map[netip.Addr]probeResult{}
	unreachable := 0
	for _, r := range results {
		if r.alive {
			alive[r.target.addr] = r
		} else if r.unreachable {
			unreachable++
		}
	}
	if s.profile.ARPInterface != "" {
		s.addARPReplies(ctx, fresh, alive)
	}
	if len(alive) == 0 && unreachable == len(fresh) {
		return nil, fmt.Errorf("%w: no route to %s", ErrRangeUnreachable, network)
	}

	now := time.Now().UTC()
	hosts := make([]inventory.DiscoveredHost, 0, len(alive))
	for _, t := range fresh {
		r, ok := alive[t.addr]
		if !ok {
			continue
		}
		seen[t.addr] = true
		hosts = append(hosts, inventory.DiscoveredHost{Host: t.name, OS: inventory.OSUnknown, SeenAt: now, OpenPorts: r.open})
	}
	if classify && s.classifier != nil {
		s.classifyHosts(ctx, hosts)
	}
	s.logger.Debugf("range %s: %d/%d hosts alive", network, len(hosts), len(fresh))
	return hosts, nil
}

// classifyHosts fingerprints hosts in place, at most MaxWorkers at a time.
func (s *Scanner) classifyHosts(ctx context.Context, hosts []inventory.DiscoveredHost) {
	var g errgroup.Group
	g.SetLimit(s.profile.MaxWorkers)
	for i := range hosts {
		g.Go(func() error {
			hosts[i].OS = s.classifier.Classify(ctx, hosts[i].Host, hosts[i].OpenPorts)
			return nil
		})
	}
	g.Wait()
}

func (s *Scanner) addARPReplies(ctx context.Context, targets []target, alive map[netip.Addr]probeResult) {
	byAddr := map[netip.Addr]target{}
	var v4 []netip.Addr
	for _, t := range targets {
		if t.addr.Is4() {
			byAddr[t.addr] = t
			v4 = append(v4, t.addr)
		}
	}
	if len(v4) == 0 {
		return
	}
	timeout := time.Duration(s.profile.TimeoutMS) * time.Millisecond
	replied, err := arpSweep(ctx, s.profile.ARPInterface, v4, timeout)
	if err != nil {
		s.logger.Debugf("arp sweep on %s: %v", s.profile.ARPInterface, err)
		return
	}
	for _, addr := range replied {
		if _, ok := alive[addr]; !ok {
			if t, ok := byAddr[addr]; ok {
				alive[addr] = probeResult{target: t, alive: true}
			}
		}
	}
}

// probe dials each profile port. An accepted or refused connection both
// prove the host is up.
func (s *Scanner) probe(ctx context.Context, t target) probeResult {
	r := probeResult{target: t}
	unreachable := 0
	for _, port := range s.profile.Ports {
		if ctx.Err() != nil {
			break
		}
		conn, err := s.dial(ctx, "tcp", net.JoinHostPort(t.addr.String(), strconv.Itoa(port)))
		switch {
		case err == nil:
			conn.Close()
			r.alive = true
			r.open = append(r.open, port)
		case errors.Is(err, syscall.ECONNREFUSED):
			r.alive = true
		case errors.Is(err, syscall.ENETUNREACH):
			unreachable++
		}
	}
	r.unreachable = !r.alive && unreachable == len(s.profile.Ports)
	slices.Sort(r.open)
	return r
}

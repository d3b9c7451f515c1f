// Package scan drives one discovery run: probe, filter, log in, extract and
// reconcile.
package scan

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/extract"
	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
	"github.com/nmasdoufi/cmdbscan/pkg/sshexec"
)

// Phase is a state of the run state machine.
type Phase string

const (
	PhaseStart         Phase = "START"
	PhaseProbing       Phase = "PROBING"
	PhaseBasicComplete Phase = "BASIC_COMPLETE"
	PhaseFiltering     Phase = "FILTERING"
	PhaseLoginFanout   Phase = "LOGIN_FANOUT"
	PhaseExtracting    Phase = "EXTRACTING"
	PhaseReconciling   Phase = "RECONCILING"
	PhaseDone          Phase = "DONE"
)

// Prober finds live hosts.
type Prober interface {
	BasicScan(ctx context.Context, networks []string) []inventory.DiscoveredHost
	OSScan(ctx context.Context, networks []string) []inventory.DiscoveredHost
}

// LoginExecutor runs inventory commands on one host.
type LoginExecutor interface {
	Login(ctx context.Context, host string, creds sshexec.Credentials, commands []config.Command) inventory.LoginResult
}

// Reconciler persists facts.
type Reconciler interface {
	Reconcile(ctx context.Context, facts []inventory.DeviceFact) inventory.ReconcileReport
}

// Options bound the run.
type Options struct {
	Concurrency  int
	LoginTimeout time.Duration
	RunTimeout   time.Duration
}

// OptionsFrom reads the run bounds from the application config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Concurrency:  cfg.Login.Concurrency,
		LoginTimeout: cfg.Login.Timeout,
		RunTimeout:   cfg.RunTimeout,
	}
}

// Summary describes a finished run.
type Summary struct {
	Mode          config.ScanMode
	Hosts         int
	Facts         int
	LoginFailures int
	Pending       int
	TimedOut      bool
	Elapsed       time.Duration
	Reconcile     inventory.ReconcileReport
	Phases        []Phase
}

func (s *Summary) enter(p Phase) { s.Phases = append(s.Phases, p) }

// Orchestrator runs scans.
type Orchestrator struct {
	prober     Prober
	executor   LoginExecutor
	reconciler Reconciler
	opts       Options
	log        *logging.Logger
}

// New creates an orchestrator. Zero options take the config defaults.
func New(prober Prober, executor LoginExecutor, reconciler Reconciler, opts Options, log *logging.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = config.DefaultLoginConcurrency
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = config.DefaultLoginTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Orchestrator{prober: prober, executor: executor, reconciler: reconciler, opts: opts, log: log}
}

// Run executes one scan with cfg. It always reaches DONE; when the run
// deadline passes, the facts gathered so far are still reconciled.
func (o *Orchestrator) Run(ctx context.Context, cfg config.ScanConfig) Summary {
	start := time.Now()
	cfg = cfg.Clone()
	sum := Summary{Mode: cfg.Mode}
	sum.enter(PhaseStart)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
	}
	defer cancel()

	sum.enter(PhaseProbing)
	var facts []inventory.DeviceFact
	if cfg.Mode == config.ModeBasic {
		hosts := o.prober.BasicScan(runCtx, cfg.Networks)
		sum.Hosts = len(hosts)
		sum.enter(PhaseBasicComplete)
		facts = make([]inventory.DeviceFact, 0, len(hosts))
		for _, h := range hosts {
			facts = append(facts, hostFact(h, false))
		}
	} else {
		hosts := o.prober.OSScan(runCtx, cfg.Networks)
		sum.Hosts = len(hosts)
		sum.enter(PhaseFiltering)
		facts = make([]inventory.DeviceFact, 0, len(hosts))
		var login []inventory.DiscoveredHost
		for _, h := range hosts {
			if h.OS.LoginCapable() {
				login = append(login, h)
				continue
			}
			facts = append(facts, hostFact(h, true))
		}
		if len(login) > 0 {
			sum.enter(PhaseLoginFanout)
			results := o.fanOut(runCtx, cfg, login)
			sum.enter(PhaseExtracting)
			loginFacts, failures, pending := o.collect(runCtx, login, results)
			facts = append(facts, loginFacts...)
			sum.LoginFailures = failures
			sum.Pending = pending
		}
	}
	sum.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if sum.TimedOut {
		o.log.Warn("scan deadline exceeded", "kind", "timeout", "pending", sum.Pending, "facts", len(facts))
	}

	sum.enter(PhaseReconciling)
	sum.Facts = len(facts)
	sum.Reconcile = o.reconciler.Reconcile(context.WithoutCancel(ctx), facts)

	sum.enter(PhaseDone)
	sum.Elapsed = time.Since(start)
	o.log.Info("scan task finished",
		"elapsed", sum.Elapsed,
		"hosts", sum.Hosts,
		"mode", sum.Mode,
		"facts", sum.Facts,
		"login_failures", sum.LoginFailures,
		"upserted", sum.Reconcile.Upserted,
		"timed_out", sum.TimedOut,
	)
	return sum
}

// fanOut logs in to hosts with bounded concurrency. The returned channel is
// buffered for every host so workers never block after the collector leaves.
func (o *Orchestrator) fanOut(ctx context.Context, cfg config.ScanConfig, hosts []inventory.DiscoveredHost) <-chan inventory.LoginResult {
	results := make(chan inventory.LoginResult, len(hosts))
	creds := sshexec.CredentialsFrom(cfg)
	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(o.opts.Concurrency)
		for _, h := range hosts {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				lctx, cancel := context.WithTimeout(ctx, o.opts.LoginTimeout)
				defer cancel()
				results <- o.executor.Login(lctx, h.Host, creds, cfg.Commands)
				return nil
			})
		}
		g.Wait()
	}()
	return results
}

func (o *Orchestrator) collect(ctx context.Context, hosts []inventory.DiscoveredHost, results <-chan inventory.LoginResult) ([]inventory.DeviceFact, int, int) {
	byHost := make(map[string]inventory.DiscoveredHost, len(hosts))
	for _, h := range hosts {
		byHost[h.Host] = h
	}
	facts := make([]inventory.DeviceFact, 0, len(hosts))
	failures := 0
	add := func(res inventory.LoginResult) {
		h := byHost[res.Host]
		if !res.Success {
			failures++
			o.log.Warn("login failed", "kind", res.Failure, "host", res.Host, "reason", res.Reason)
			facts = append(facts, hostFact(h, true))
			return
		}
		fact := extract.Extract(res)
		if !observed(fact) {
			o.log.Debug("no facts extracted", "kind", "extraction_empty", "host", res.Host, "commands", len(res.Outputs))
		}
		if fact.OSType == nil && h.OS != inventory.OSUnknown && h.OS != "" {
			fact.OSType = inventory.Some(string(h.OS))
		}
		fact.SeenAt = h.SeenAt
		facts = append(facts, fact)
	}
loop:
	for len(facts) < len(hosts) {
		select {
		case <-ctx.Done():
			break loop
		case res, ok := <-results:
			if !ok {
				break loop
			}
			add(res)
		}
	}
	// Logins that finished before the deadline may still be buffered.
drain:
	for len(facts) < len(hosts) {
		select {
		case res, ok := <-results:
			if !ok {
				break drain
			}
			add(res)
		default:
			break drain
		}
	}
	return facts, failures, len(hosts) - len(facts)
}

// observed reports whether extraction found anything beyond the login itself.
func observed(f inventory.DeviceFact) bool {
	for _, v := range []*string{f.SysHostname, f.MACAddress, f.OSType, f.DeviceType, f.OSVersion, f.SerialNumber, f.Vendor, f.Model} {
		if v != nil {
			return true
		}
	}
	return false
}

// hostFact is the fact for a host nobody logged in to.
func hostFact(h inventory.DiscoveredHost, withOS bool) inventory.DeviceFact {
	f := inventory.DeviceFact{Hostname: h.Host, SeenAt: h.SeenAt}
	if withOS && h.OS != inventory.OSUnknown && h.OS != "" {
		f.OSType = inventory.Some(string(h.OS))
	}
	return f
}

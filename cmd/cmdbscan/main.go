package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nmasdoufi/cmdbscan/pkg/api"
	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/discovery"
	"github.com/nmasdoufi/cmdbscan/pkg/fingerprint"
	"github.com/nmasdoufi/cmdbscan/pkg/glpi"
	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
	"github.com/nmasdoufi/cmdbscan/pkg/jobs"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
	"github.com/nmasdoufi/cmdbscan/pkg/scan"
	"github.com/nmasdoufi/cmdbscan/pkg/scheduler"
	"github.com/nmasdoufi/cmdbscan/pkg/sshexec"
)

func main() {
	var configPath string
	var command string
	var rangeFilter string
	pflag.StringVarP(&configPath, "config", "c", "cmdbscan.yaml", "path to config file")
	pflag.StringVar(&command, "command", "serve", "command to run (serve|scan|list)")
	pflag.StringVar(&rangeFilter, "range", "", "network to scan instead of the configured ones")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Path, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "list":
		err = listRanges(cfg)
	case "scan":
		err = runScan(ctx, cfg, rangeFilter, logger)
	case "serve":
		err = serve(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown command %s", command)
	}
	if err != nil {
		logger.Errorf("%s: %v", command, err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listRanges(cfg *config.Config) error {
	sc, err := config.NewFileStore(cfg.ScanConfigPath).Load()
	if err != nil {
		return err
	}
	fmt.Printf("Scan type %s\n", sc.Mode)
	for _, n := range sc.Networks {
		fmt.Printf("  %s\n", n)
	}
	return nil
}

// pipeline holds the components shared by the scan and serve commands.
type pipeline struct {
	store        *inventory.GormStore
	orchestrator *scan.Orchestrator
}

func newPipeline(cfg *config.Config, logger *logging.Logger) (*pipeline, error) {
	store, err := inventory.OpenStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	var mirrors []inventory.Mirror
	if cfg.GLPI.BaseURL != "" {
		if err := maybePromptGLPIPassword(cfg); err != nil {
			store.Close()
			return nil, err
		}
		logger.Infof("mirroring devices to GLPI at %s", cfg.GLPI.BaseURL)
		mirrors = append(mirrors, glpi.NewClient(cfg.GLPI))
	} else {
		logger.Infof("GLPI integration disabled; devices kept in the local inventory only")
	}

	fpOpts := []fingerprint.EngineOption{fingerprint.WithTimeout(time.Duration(cfg.Probe.TimeoutMS) * time.Millisecond)}
	if cfg.Probe.SNMPCommunity != "" {
		fpOpts = append(fpOpts, fingerprint.WithSNMP(cfg.Probe.SNMPCommunity))
	}
	prober := discovery.NewScanner(cfg.Probe, fingerprint.NewEngine(logger, fpOpts...), logger)
	executor := sshexec.NewExecutor(logger, sshexec.WithDialTimeout(cfg.Login.Timeout))
	reconciler := inventory.NewReconciler(store, logger, mirrors...)
	return &pipeline{
		store:        store,
		orchestrator: scan.New(prober, executor, reconciler, scan.OptionsFrom(cfg), logger),
	}, nil
}

func runScan(ctx context.Context, cfg *config.Config, rangeFilter string, logger *logging.Logger) error {
	sc, err := config.NewFileStore(cfg.ScanConfigPath).Load()
	if err != nil {
		return err
	}
	if rangeFilter != "" {
		sc.Networks = []string{rangeFilter}
		if err := sc.Validate(); err != nil {
			return err
		}
	}
	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.store.Close()

	logger.Infof("starting scan run over %s", strings.Join(sc.Networks, ", "))
	sum := p.orchestrator.Run(ctx, sc)
	fmt.Printf("discovered %d hosts, stored %d devices in %s\n", sum.Hosts, sum.Reconcile.Upserted, sum.Elapsed.Round(time.Millisecond))
	for _, f := range sum.Reconcile.Failed {
		fmt.Printf("  failed %s: %v\n", f.Hostname, f.Err)
	}
	if sum.TimedOut {
		fmt.Printf("  run deadline exceeded, %d logins not finished\n", sum.Pending)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.store.Close()

	configStore := config.NewFileStore(cfg.ScanConfigPath)
	queue := jobs.NewQueue(configStore, p.orchestrator, jobs.DefaultDepth, logger)
	queue.Start(ctx)
	defer queue.Stop()

	go scheduler.New(cfg.Scheduler, queue, logger).Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewServer(queue, configStore, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.HTTP.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func maybePromptGLPIPassword(cfg *config.Config) error {
	if cfg == nil || cfg.GLPI.OAuth == nil {
		return nil
	}
	if cfg.GLPI.OAuth.Password != "" || cfg.GLPI.OAuth.Username == "" {
		return nil
	}
	fmt.Printf("Enter GLPI password for %s: ", cfg.GLPI.OAuth.Username)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read GLPI password: %w", err)
	}
	cfg.GLPI.OAuth.Password = strings.TrimSpace(line)
	return nil
}

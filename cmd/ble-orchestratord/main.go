package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"unicode"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ble-orchestratord/internal/adapter/goble"
	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/cache"
	"github.com/srg/ble-orchestratord/internal/config"
	"github.com/srg/ble-orchestratord/internal/coordinator"
	"github.com/srg/ble-orchestratord/internal/groutine"
	"github.com/srg/ble-orchestratord/internal/handler"
	"github.com/srg/ble-orchestratord/internal/ipc"
	"github.com/srg/ble-orchestratord/internal/notify"
	"github.com/srg/ble-orchestratord/internal/request"
	"github.com/srg/ble-orchestratord/internal/router"
	"github.com/srg/ble-orchestratord/internal/scanner"
	"github.com/srg/ble-orchestratord/internal/scheduler"
	"github.com/srg/ble-orchestratord/internal/watchdog"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds a 'v' prefix if version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "ble-orchestratord",
	Short: "Resident arbitration service for a host-local BLE adapter",
	Long: `ble-orchestratord serializes access to a host-local Bluetooth Low
Energy adapter on behalf of multiple unrelated client processes.

It runs a continuous background scan, arbitrates scanner-vs-client
adapter access, schedules connect-based requests by priority, recovers
from adapter stalls through an escalating reset ladder, and fans
characteristic notifications out to subscribed clients — all reachable
over a line-delimited JSON socket.

It takes no subcommands: invoking it runs the service in the
foreground until interrupted.`,
	Version:      formatVersion(version),
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", lvl, err)
		}
		cfg.LogLevel = parsed
	}
	log := cfg.NewLogger()

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("starting ble-orchestratord: %w", err)
	}

	if err := svc.listen(); err != nil {
		return err
	}
	svc.run(ctx)
	return nil
}

// service owns every component constructed for one daemon run, so
// runDaemon's shutdown sequence has a single place to unwind from.
type service struct {
	cfg *config.Config
	log *logrus.Logger

	scanCache   *cache.Cache
	coordinator *coordinator.Coordinator
	scannerSup  *scannerSupervisor
	watchdog    *watchdog.Watchdog
	scheduler   *scheduler.Scheduler
	notifier    *notify.Manager
	server      *ipc.Server
}

// build wires components A-I of §2's table together: the Adapter Facade
// (goble), the Scan Cache, the Coordinator, the Scanner, the Priority
// Scheduler fed by a Router over the Handler and Notification Manager,
// the Watchdog, and finally the IPC Server, in the dependency order
// forward references below resolve.
func build(cfg *config.Config, log *logrus.Logger) (*service, error) {
	scanCache := cache.New(cfg.ScanCacheTTL, log)
	coord := coordinator.New(cfg.ExclusiveControlEnabled, cfg.ExclusiveControlTimeout, log)

	connector, err := goble.NewConnector(cfg.ConnectAdapter)
	if err != nil {
		return nil, fmt.Errorf("opening connect adapter %s: %w", cfg.ConnectAdapter, err)
	}
	resetter := goble.NewResetter(log)

	// The Scanner's stall signal needs the Watchdog, and the Watchdog's
	// recreate callback needs the Scanner; wd is filled in once the
	// Watchdog is constructed below, and onStall closes over the
	// pointer rather than a value so the forward reference resolves.
	var wd *watchdog.Watchdog
	onStall := func() {
		if wd != nil {
			wd.SignalStall()
		}
	}

	sc := scanner.New(goble.NewScanner, cfg.ScanAdapter, coord, scanCache, onStall, log)
	scannerSup := newScannerSupervisor(sc)

	watchdogCfg := watchdog.Config{
		CheckInterval:    cfg.WatchdogCheckInterval,
		FailureThreshold: cfg.ConsecutiveFailuresThreshold,
		ConnectAdapter:   cfg.ConnectAdapter,
		ScanAdapter:      cfg.ScanAdapter,
	}
	wd = watchdog.New(watchdogCfg, resetter, coord, scannerSup.recreate, log)

	handlerCfg := handler.Config{
		ConnectTimeout: cfg.BLEConnectTimeout,
		RetryCount:     cfg.BLERetryCount,
		RetryInterval:  cfg.BLERetryInterval,
	}
	h := handler.New(handlerCfg, coord, connector, scanCache, wd.Ledger(), wd.Wake, log)

	registry := ipc.NewRegistry()
	notifier := notify.New(connector, coord, registry, cfg.BLEConnectTimeout, log)

	rt := router.New(h, notifier)
	lookup := ipc.NewLookupFunc(scanCache)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.MaxAge = cfg.RequestMaxAge
	schedCfg.SkipOldRequests = cfg.SkipOldRequests
	schedCfg.ParallelWorkers = cfg.ScanCommandParallelWorkers
	sched := scheduler.New(schedCfg, rt, lookup, log)

	statusBuilder := ipc.NewStatusBuilder(sc, coord, sched, wd, scanCache, notifier)

	dispatch := func(ctx context.Context, req *request.Request) *request.Request {
		if err := sched.Enqueue(req); err != nil {
			return req
		}
		select {
		case <-req.Done():
		case <-ctx.Done():
			// The session that owns req went away before the serial lane
			// reached it; pull it out of the queue rather than let it
			// dispatch into the void once its turn comes.
			if sched.Cancel(req) {
				req.Fail(bleerr.ErrCancelled)
			}
		}
		return req
	}

	server := ipc.New(cfg.Socket, cfg.Host, cfg.Port, cfg.MaxSessions, dispatch, statusBuilder.Snapshot, notifier, registry, log)

	return &service{
		cfg:         cfg,
		log:         log,
		scanCache:   scanCache,
		coordinator: coord,
		scannerSup:  scannerSup,
		watchdog:    wd,
		scheduler:   sched,
		notifier:    notifier,
		server:      server,
	}, nil
}

func (s *service) listen() error {
	return s.server.Listen()
}

// run starts every background task and blocks until ctx is cancelled,
// then drives graceful shutdown: the server stops accepting sessions,
// the Scanner is stopped, and every Notification Manager connection is
// closed before returning (§6, "graceful shutdown, exit code 0"). It
// does not wait for in-flight requests: cancelling ctx stops the
// scheduler's workers, and a serial request still being dispatched is
// marked TIMEOUT at once.
func (s *service) run(ctx context.Context) {
	s.scannerSup.start(ctx)
	groutine.Go(ctx, "watchdog-loop", s.watchdog.Run)
	s.scheduler.Start(ctx)

	serveErr := make(chan error, 1)
	groutine.Go(ctx, "ipc-server", func(ctx context.Context) {
		serveErr <- s.server.Serve(ctx)
	})

	select {
	case <-ctx.Done():
		s.log.Info("ble-orchestratord: shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			s.log.WithError(err).Error("ble-orchestratord: ipc server exited unexpectedly")
		}
	}

	s.scannerSup.stop()
	s.notifier.Close()
	s.log.Info("ble-orchestratord: shutdown complete")
}

// scannerSupervisor restarts the Scanner's background loop on demand
// (the Watchdog's "recreate the Scanner" step of §4.6), since
// scanner.Scanner.Run owns a single long-lived loop with no public
// restart method of its own.
type scannerSupervisor struct {
	sc *scanner.Scanner

	mu     sync.Mutex
	root   context.Context
	cancel context.CancelFunc
}

func newScannerSupervisor(sc *scanner.Scanner) *scannerSupervisor {
	return &scannerSupervisor{sc: sc}
}

func (s *scannerSupervisor) start(root context.Context) {
	s.mu.Lock()
	s.root = root
	runCtx, cancel := context.WithCancel(root)
	s.cancel = cancel
	s.mu.Unlock()
	groutine.Go(runCtx, "scanner-loop", s.sc.Run)
}

// recreate tears down the current scan loop and starts a fresh one,
// invoked by the Watchdog after a reset step succeeds.
func (s *scannerSupervisor) recreate(_ context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(s.root)
	s.cancel = cancel
	s.mu.Unlock()
	groutine.Go(runCtx, "scanner-loop", s.sc.Run)
}

func (s *scannerSupervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// printBanner prints a one-line colored startup summary to stderr,
// the orchestrator's only use of color — never in JSON/log output.
func printBanner(cfg *config.Config) {
	bold := color.New(color.FgCyan, color.Bold).SprintFunc()
	transport := cfg.Socket
	if transport == "" {
		transport = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	fmt.Fprintf(os.Stderr, "%s scan=%s connect=%s listen=%s ttl=%s\n",
		bold("ble-orchestratord"), cfg.ScanAdapter, cfg.ConnectAdapter, transport, cfg.ScanCacheTTL)
}

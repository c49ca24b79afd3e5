// Command argod runs the CI orchestration daemon: registry, lifecycle
// manager, and the socket IPC hub, driven by a single poll loop.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"argo/pkg/config"
	"argo/pkg/eventlog"
	"argo/pkg/ipc"
	"argo/pkg/lifecycle"
	"argo/pkg/logx"
	"argo/pkg/memory"
	"argo/pkg/metrics"
	"argo/pkg/orch"
	"argo/pkg/provider"
	"argo/pkg/registry"
)

func main() {
	var configPath string
	var snapshotPath string
	var debug bool
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&snapshotPath, "snapshot", "", "Registry snapshot path (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("ARGO_CONFIG")
	}

	if err := run(configPath, snapshotPath, debug); err != nil {
		fmt.Fprintf(os.Stderr, "argod: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, snapshotOverride string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if snapshotOverride != "" {
		cfg.SnapshotPath = snapshotOverride
	}
	if debug {
		cfg.Debug = true
	}
	logx.SetDebug(cfg.Debug, cfg.DebugDomains)
	log := logx.NewLogger("argod")

	rec := metrics.NewRecorder(nil)

	ports := registry.DefaultPortConfig()
	ports.BasePort = cfg.BasePort
	reg := registry.NewWithPorts(ports)
	reg.SetMetrics(rec)
	if err := reg.LoadState(cfg.SnapshotPath); err != nil {
		log.Warn("Snapshot restore failed, starting empty: %v", err)
	}

	mgr := lifecycle.NewManager(reg)
	mgr.SetHeartbeatPolicy(cfg.HeartbeatTimeout(), cfg.MaxMissed)
	mgr.SetMetrics(rec)

	srv, err := ipc.NewServerAt(cfg.SocketDir, cfg.Name)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.SetRegistry(reg)
	srv.SetMetrics(rec)
	reg.SetTransport(srv)
	log.Info("Listening on %s", srv.Path())

	audit, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		return err
	}
	defer audit.Close()

	mem, err := memory.Open(cfg.MemoryPath)
	if err != nil {
		return err
	}
	defer mem.Close()

	providers, err := provider.NewRegistry(cfg)
	if err != nil {
		return err
	}
	defer providers.Close()

	sessionID := fmt.Sprintf("%s-%d", cfg.Name, time.Now().Unix())
	driver, err := orch.New(sessionID, reg, mgr)
	if err != nil {
		return err
	}
	driver.SetAudit(audit)

	counter, err := memory.NewTokenCounter(cfg.Providers[cfg.Provider].Model)
	if err != nil {
		return err
	}
	driver.SetMemory(mem, counter, cfg.ContextTokens())

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	heartbeatTick := time.NewTicker(cfg.HeartbeatTimeout() / 2)
	defer heartbeatTick.Stop()

	log.Info("Daemon ready (session %s, %d CIs restored)", sessionID, reg.Count())

	for {
		select {
		case sig := <-sigCh:
			log.Info("Received %s, shutting down", sig)
			return shutdown(cfg, reg, log)
		case <-heartbeatTick.C:
			if n := mgr.CheckHeartbeats(); n > 0 {
				log.Warn("%d CI(s) missed heartbeats", n)
			}
			// Snapshot-restored entries without lifecycle records are
			// only covered by the registry-level sweep.
			if n := reg.CheckHealth(); n > 0 {
				log.Warn("%d CI(s) with stale registry heartbeats", n)
			}
		default:
			if err := srv.RunOnce(cfg.PollInterval()); err != nil {
				log.Error("Poll cycle failed: %v", err)
				return shutdown(cfg, reg, log)
			}
		}
	}
}

func shutdown(cfg *config.Config, reg *registry.Registry, log *logx.Logger) error {
	if err := reg.SaveState(cfg.SnapshotPath); err != nil {
		return logx.Wrap(err, "snapshot save failed")
	}
	log.Info("Snapshot saved to %s", cfg.SnapshotPath)
	return nil
}

func serveMetrics(addr string, log *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("Metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server failed: %v", err)
	}
}

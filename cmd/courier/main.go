package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/siftwell/courier/pkg/config"
	"github.com/siftwell/courier/pkg/handler"
	"github.com/siftwell/courier/pkg/log"
	"github.com/siftwell/courier/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - task sidecar for sandboxed analysis workers",
	Long: `Courier bridges a sandboxed analysis worker to the central task server.

It registers the service, acquires one task at a time, stages the file to
analyze, hands the task to the worker over named pipes and reports the
result or error back. The worker itself never talks to the network.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Courier version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(healthzCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the task handler loop",
	Long: `Run the task handler until stopped.

SIGINT and SIGTERM request a graceful stop: the worker is given a grace
period to finish its current task before the process exits. SIGUSR1 tells
Courier the worker has crashed; the active task is reported as failed and
the process stops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHandler(false)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the service with the task server and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHandler(true)
	},
}

var healthzCmd = &cobra.Command{
	Use:   "healthz",
	Short: "Probe the task server liveness endpoint",
	Long: `Probe the task server liveness endpoint.

Exits 0 when the server answers, 1 otherwise. Intended as a container
health check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(cfg.APIHost + "/healthz/live")
		if err != nil {
			return fmt.Errorf("task server is not reachable: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("task server is not healthy: %s", resp.Status)
		}
		fmt.Println("OK")
		return nil
	},
}

func runHandler(registerOnly bool) error {
	cfg := config.Load()
	if registerOnly {
		cfg.RegisterOnly = true
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	h := handler.New(cfg)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	// SIGUSR1 is the worker-supervisor telling us the worker died
	stopSigs := make(chan os.Signal, 1)
	crashSigs := make(chan os.Signal, 1)
	signal.Notify(stopSigs, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(crashSigs, unix.SIGUSR1)

	go func() {
		for {
			select {
			case sig := <-stopSigs:
				log.Logger.Info().Str("signal", sig.String()).Msg("stop signal received")
				h.Stop()
				forceExit(h.ShutdownGrace())
				return
			case <-crashSigs:
				h.HandleWorkerCrash()
				forceExit(h.ShutdownGrace())
				return
			}
		}
	}()

	return h.Run()
}

// forceExit bounds the graceful stop: if the run loop has not returned by
// the end of the grace period the process exits anyway
func forceExit(grace time.Duration) {
	time.Sleep(grace)
	log.Logger.Error().Dur("grace", grace).Msg("grace period expired, exiting")
	os.Exit(1)
}

// serveMetrics exposes Prometheus metrics and a liveness probe
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	log.Logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("metrics server failed")
	}
}

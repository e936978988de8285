// Command workerd runs a remote scan worker. One instance fronts nmap
// and returns raw XML reports; another fronts nuclei and returns parsed
// findings. The orchestrator authenticates with a shared token and the
// worker only scans targets inside its configured allow-list.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/worker"
)

func main() {
	var (
		listenAddr = pflag.String("listen", ":9090", "listen address")
		mode       = pflag.String("mode", "nmap", "worker mode (nmap, nuclei)")
		allowed    = pflag.String("allowed-cidrs", "", "comma-separated CIDRs the worker may scan")
		timeout    = pflag.Duration("job-timeout", 25*time.Minute, "per-job execution timeout")
		logFormat  = pflag.String("log-format", "text", "log format (text, json)")
	)
	pflag.Parse()

	logger, err := logging.New(logging.Config{
		Level:  logging.LevelInfo,
		Format: logging.LogFormat(*logFormat),
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)

	cfg := worker.Config{
		ListenAddr:   *listenAddr,
		Mode:         worker.Mode(*mode),
		Token:        os.Getenv("PERIMETRA_WORKER_TOKEN"),
		AllowedCIDRs: splitCIDRs(*allowed),
		JobTimeout:   *timeout,
	}

	service, err := worker.NewService(cfg, worker.CommandExecutor{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func splitCIDRs(s string) []string {
	var cidrs []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			cidrs = append(cidrs, part)
		}
	}
	return cidrs
}

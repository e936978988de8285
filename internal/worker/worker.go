// Package worker implements the remote scanner service that perimetra
// dispatches jobs to. One deployment runs in nmap mode and returns raw
// XML reports; another runs in nuclei mode and returns parsed findings.
// Both enforce token authentication and a target allow-list.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/perimetra/perimetra/internal/dispatch"
	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/vulnscan"
)

// Mode selects which scanner the worker fronts.
type Mode string

const (
	ModeNmap   Mode = "nmap"
	ModeNuclei Mode = "nuclei"
)

const defaultJobTimeout = 25 * time.Minute

// Config holds worker configuration.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	Mode         Mode          `yaml:"mode"`
	Token        string        `yaml:"token"`
	AllowedCIDRs []string      `yaml:"allowed_cidrs"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	NmapBinary   string        `yaml:"nmap_binary"`
	NucleiBinary string        `yaml:"nuclei_binary"`
}

// Service is the worker HTTP service.
type Service struct {
	cfg      Config
	executor Executor
	allowed  []*net.IPNet
	resolve  func(ctx context.Context, host string) ([]net.IPAddr, error)
	logger   *logging.Logger
}

// NewService builds a worker service. The allow-list is mandatory: a
// worker that would scan anything it is told to is misconfigured.
func NewService(cfg Config, executor Executor) (*Service, error) {
	if cfg.Mode != ModeNmap && cfg.Mode != ModeNuclei {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
			"worker mode must be nmap or nuclei", "mode")
	}
	if len(cfg.AllowedCIDRs) == 0 {
		return nil, errors.ErrConfigMissing("allowed_cidrs")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.NmapBinary == "" {
		cfg.NmapBinary = "nmap"
	}
	if cfg.NucleiBinary == "" {
		cfg.NucleiBinary = "nuclei"
	}

	allowed := make([]*net.IPNet, 0, len(cfg.AllowedCIDRs))
	for _, cidr := range cfg.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
				fmt.Sprintf("invalid allow-list entry %q", cidr), "allowed_cidrs")
		}
		allowed = append(allowed, network)
	}

	return &Service{
		cfg:      cfg,
		executor: executor,
		allowed:  allowed,
		resolve: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		},
		logger: logging.Default().WithComponent("worker"),
	}, nil
}

// Router returns the worker HTTP routes.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	return r
}

// Run serves the worker until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("worker listening", "addr", s.cfg.ListenAddr, "mode", s.cfg.Mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// handleScan authenticates, validates targets, and runs the scanner.
func (s *Service) handleScan(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(w, r) {
		return
	}

	switch s.cfg.Mode {
	case ModeNuclei:
		s.handleNucleiScan(w, r)
	default:
		s.handleNmapScan(w, r)
	}
}

// checkToken verifies the shared token in constant time. A worker with
// no token configured refuses all jobs rather than accepting them all.
func (s *Service) checkToken(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		writeWorkerError(w, http.StatusInternalServerError, "worker token not configured")
		return false
	}
	presented := r.Header.Get(dispatch.TokenHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
		writeWorkerError(w, http.StatusUnauthorized, "invalid scanner token")
		return false
	}
	return true
}

func (s *Service) handleNmapScan(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Targets) == 0 {
		writeWorkerError(w, http.StatusBadRequest, "request must carry at least one target")
		return
	}

	for _, t := range req.Targets {
		if err := s.validateTarget(r.Context(), t); err != nil {
			writeWorkerError(w, http.StatusForbidden, err.Error())
			return
		}
	}

	args := append([]string{"-sV", "-O", "-oX", "-"}, req.Targets...)
	output, err := s.executor.Execute(r.Context(), s.cfg.NmapBinary, args, s.cfg.JobTimeout)
	if err != nil {
		s.logger.ErrorWorker("nmap execution failed", string(s.cfg.Mode), err)
		writeWorkerError(w, http.StatusBadGateway, "scan execution failed")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(output)
}

func (s *Service) handleNucleiScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets []vulnscan.Target `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Targets) == 0 {
		writeWorkerError(w, http.StatusBadRequest, "request must carry at least one target")
		return
	}

	for _, t := range req.Targets {
		host := t.Target
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if err := s.validateTarget(r.Context(), host); err != nil {
			writeWorkerError(w, http.StatusForbidden, err.Error())
			return
		}
	}

	// A failing target is logged and skipped; the rest of the batch
	// still produces findings.
	findings := []vulnscan.Finding{}
	for _, t := range req.Targets {
		args := []string{"-u", t.Target, "-jsonl", "-silent"}
		if t.Tags != "" {
			args = append(args, "-tags", t.Tags)
		}
		output, err := s.executor.Execute(r.Context(), s.cfg.NucleiBinary, args, s.cfg.JobTimeout)
		if err != nil {
			s.logger.ErrorWorker("nuclei execution failed", string(s.cfg.Mode), err,
				"target", t.Target)
			continue
		}
		findings = append(findings, ParseNDJSON(output)...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(findings)
}

// validateTarget checks a target against the allow-list. IPs and CIDRs
// are checked directly; DNS names are resolved and every address must be
// allowed.
func (s *Service) validateTarget(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.NewScanError(errors.CodeValidation, "empty target")
	}

	if ip := net.ParseIP(target); ip != nil {
		if !s.ipAllowed(ip) {
			return errors.NewScanErrorWithTarget(errors.CodeValidation,
				"target outside allowed networks", target)
		}
		return nil
	}
	if _, network, err := net.ParseCIDR(target); err == nil {
		if !s.ipAllowed(network.IP) {
			return errors.NewScanErrorWithTarget(errors.CodeValidation,
				"target network outside allowed networks", target)
		}
		return nil
	}

	addrs, err := s.resolve(ctx, target)
	if err != nil || len(addrs) == 0 {
		return errors.NewScanErrorWithTarget(errors.CodeValidation,
			"target does not resolve", target)
	}
	for _, addr := range addrs {
		if !s.ipAllowed(addr.IP) {
			return errors.NewScanErrorWithTarget(errors.CodeValidation,
				"target resolves outside allowed networks", target)
		}
	}
	return nil
}

func (s *Service) ipAllowed(ip net.IP) bool {
	for _, network := range s.allowed {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseNDJSON parses newline-delimited scanner output best-effort: lines
// that fail to parse are skipped, partial output still yields findings.
func ParseNDJSON(output []byte) []vulnscan.Finding {
	var findings []vulnscan.Finding
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var finding vulnscan.Finding
		if err := json.Unmarshal(line, &finding); err != nil {
			continue
		}
		if finding.TemplateID == "" {
			continue
		}
		findings = append(findings, finding)
	}
	return findings
}

func writeWorkerError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/vivarium-lab/vivarium/internal/backup"
	"github.com/vivarium-lab/vivarium/internal/certs"
	"github.com/vivarium-lab/vivarium/internal/clock"
	"github.com/vivarium-lab/vivarium/internal/duckdb"
	"github.com/vivarium-lab/vivarium/internal/httpserver"
	"github.com/vivarium-lab/vivarium/internal/integrity"
	"github.com/vivarium-lab/vivarium/internal/logger"
	"golang.org/x/sync/errgroup"
)

// runServer boots the store, schedulers, and API listeners, then blocks
// until a termination signal. Teardown runs in a fixed order: schedulers
// first so no snapshot or check starts mid-shutdown, then listeners,
// then the store.
func runServer(cfg appConfig) error {
	log, err := logger.Init()
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Cleanup()

	clk := clock.Real()

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}

	backups, err := backup.New(store, backup.Config{
		Dir:         cfg.BackupDir,
		Interval:    cfg.BackupInterval,
		KeepLast:    cfg.BackupKeepLast,
		HistoryKeep: cfg.BackupHistory,
		Compress:    cfg.BackupCompress,
	}, clk, log)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize backups: %w", err)
	}

	checks, err := integrity.NewChecker(backups, integrity.Config{
		Interval:    cfg.IntegrityInterval,
		Offset:      cfg.IntegrityOffset,
		HistoryKeep: cfg.IntegrityHistory,
		LedgerPath:  cfg.IntegrityLedger,
		DeepVerify:  cfg.IntegrityDeepVerify,
	}, clk, log)
	if err != nil {
		backups.Stop()
		_ = store.Close()
		return fmt.Errorf("failed to initialize integrity checks: %w", err)
	}

	// Verify the latest snapshot from the previous run before serving
	// traffic, so a corrupt archive is flagged at boot rather than at the
	// next scheduled sweep.
	if rec, err := checks.RunCheck(); err != nil {
		log.Warn("startup integrity check did not run", "error", err)
	} else if rec.Status != integrity.StatusPass {
		log.Warn("startup integrity check flagged latest snapshot",
			"status", string(rec.Status), "detail", rec.Detail)
	}

	if cfg.BackupOnStart {
		if rec, err := backups.Trigger(); err != nil {
			log.Warn("startup backup skipped", "error", err)
		} else if rec.Status != backup.StatusSuccess {
			log.Warn("startup backup failed", "error", rec.Error)
		}
	}

	backups.Start()
	checks.Start()

	// Provision TLS before binding: a failed provisioning downgrades the
	// API to plain HTTP instead of refusing to start.
	var bundle certs.Bundle
	secure := false
	if cfg.HTTPSEnabled {
		prov, err := certs.NewProvisioner(certs.Config{
			CertPath: cfg.CertFile,
			KeyPath:  cfg.KeyFile,
			Hosts:    cfg.CertHosts,
		}, certs.SelfSigned{}, clk, log)
		if err != nil {
			log.Warn("tls provisioning unavailable, serving plain http", "error", err)
		} else if bundle, err = prov.Ensure(); err != nil {
			log.Warn("tls provisioning failed, serving plain http", "error", err)
		} else {
			secure = true
		}
	}

	apiAddr := cfg.HTTPAddr
	if secure {
		apiAddr = cfg.HTTPSAddr
	}
	apiServer := httpserver.NewServer(apiAddr, store, backups, checks)

	if secure {
		err = apiServer.StartTLS(bundle)
	} else {
		err = apiServer.Start()
	}
	if err != nil {
		backups.Stop()
		checks.Stop()
		_ = store.Close()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var redirect *httpserver.RedirectServer
	if secure && cfg.HTTPRedirect {
		redirect = httpserver.NewRedirectServer(cfg.HTTPAddr, cfg.HTTPSAddr)
		if err := redirect.Start(); err != nil {
			log.Warn("failed to start http redirect listener", "error", err)
			redirect = nil
		}
	}

	printStartupBanner(cfg, secure)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-sigCh:
		case <-gctx.Done():
			return nil
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")

		// Shutdown deadline starts now - not at boot.
		go func() {
			deadline := time.NewTimer(10 * time.Second)
			defer deadline.Stop()
			select {
			case <-sigCh:
				fmt.Println("\nForce shutdown.")
			case <-deadline.C:
				fmt.Println("Shutdown timed out, forcing exit.")
			}
			os.Exit(1)
		}()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
	}
	signal.Stop(sigCh)

	// Ordered teardown. Each scheduler Stop waits for any in-flight run to
	// record its outcome before closing its ledger; the store closes last
	// because a run still reads from it until then.
	backups.Stop()
	checks.Stop()
	if redirect != nil {
		if err := redirect.Stop(); err != nil {
			log.Warn("redirect listener shutdown", "error", err)
		}
	}
	if err := apiServer.Stop(); err != nil {
		log.Warn("api server shutdown", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Warn("closing store", "error", err)
	}

	return nil
}

func printStartupBanner(cfg appConfig, secure bool) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦  ╦╦╦  ╦╔═╗╦═╗╦╦ ╦╔╦╗
    ╚╗╔╝║╚╗╔╝╠═╣╠╦╝║║ ║║║║
     ╚╝ ╩ ╚╝ ╩ ╩╩╚═╩╚═╝╩ ╩`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	if secure {
		lines = append(lines, fmt.Sprintf("    %s  HTTPS API      %s", check, cyan.Render(cfg.HTTPSAddr)))
		if cfg.HTTPRedirect {
			lines = append(lines, fmt.Sprintf("    %s  HTTP Redirect  %s", check, cyan.Render(cfg.HTTPAddr)))
		} else {
			lines = append(lines, fmt.Sprintf("    %s  HTTP Redirect  %s", dot, dim.Render("disabled")))
		}
		lines = append(lines, fmt.Sprintf("    %s  Certificate    %s", check, dim.Render(shortenPath(cfg.CertFile))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.HTTPAddr)))
		lines = append(lines, fmt.Sprintf("    %s  TLS            %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Database       %s", check, dim.Render(shortenPath(cfg.DBPath))))
	snapLabel := shortenPath(cfg.BackupDir)
	if cfg.BackupCompress {
		snapLabel += " (zstd)"
	}
	lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(snapLabel)))
	lines = append(lines, fmt.Sprintf("    %s  Interval       %s", check, dim.Render(cfg.BackupInterval.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Integrity"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Verification   %s", check, dim.Render(cfg.IntegrityInterval.String()+" + "+cfg.IntegrityOffset.String())))
	if cfg.IntegrityDeepVerify {
		lines = append(lines, fmt.Sprintf("    %s  Deep Verify    %s", check, dim.Render("enabled")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Deep Verify    %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/vivarium/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Vivarium - Lab Tracking Service\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "vivarium")

	v := viper.New()
	v.SetEnvPrefix("VIVARIUM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("db-path", filepath.Join(dataDir, "vivarium.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("https-enabled", true)
	v.SetDefault("https-port", defaultHTTPSPort)
	v.SetDefault("http-port", defaultHTTPPort)
	v.SetDefault("http-redirect", true)
	v.SetDefault("cert-file", filepath.Join(dataDir, "tls", "server.crt"))
	v.SetDefault("key-file", filepath.Join(dataDir, "tls", "server.key"))
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-history", defaultBackupHistory)
	v.SetDefault("backup-dir", filepath.Join(dataDir, "snapshots"))
	v.SetDefault("backup-compress", false)
	v.SetDefault("backup-on-start", true)
	v.SetDefault("integrity-interval", defaultIntegrityInterval)
	v.SetDefault("integrity-offset", defaultIntegrityOffset)
	v.SetDefault("integrity-history", defaultIntegrityHistory)
	v.SetDefault("integrity-deep-verify", true)
	v.SetDefault("integrity-ledger", filepath.Join(dataDir, "integrity.ledger"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "vivarium", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	// Invalid schedule or transport configuration is the one fatal startup
	// case; everything else degrades.
	if cfg.HTTPSPort <= 0 || cfg.HTTPSPort > 65535 {
		return cfg, fmt.Errorf("invalid https-port: %d", cfg.HTTPSPort)
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return cfg, fmt.Errorf("invalid http-port: %d", cfg.HTTPPort)
	}
	if cfg.BackupInterval <= 0 {
		return cfg, fmt.Errorf("invalid backup-interval: %v", cfg.BackupInterval)
	}
	if cfg.BackupKeepLast <= 0 {
		return cfg, fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
	}
	if cfg.IntegrityInterval <= 0 {
		return cfg, fmt.Errorf("invalid integrity-interval: %v", cfg.IntegrityInterval)
	}
	if cfg.IntegrityOffset < 0 {
		return cfg, fmt.Errorf("invalid integrity-offset: %v", cfg.IntegrityOffset)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, fmt.Errorf("db-path is required")
	}
	if strings.TrimSpace(cfg.BackupDir) == "" {
		return cfg, fmt.Errorf("backup-dir is required")
	}

	// Expand ~ in paths
	for _, p := range []*string{&cfg.DBPath, &cfg.BackupDir, &cfg.CertFile, &cfg.KeyFile, &cfg.IntegrityLedger} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.HTTPSAddr == "" {
		cfg.HTTPSAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.HTTPSPort))
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.HTTPPort))
	}

	return cfg, nil
}

package main

import (
	"time"
)

const (
	defaultBindHost          = "127.0.0.1"
	defaultHTTPSPort         = 8443
	defaultHTTPPort          = 8080
	defaultQueryTimeout      = 30 * time.Second
	defaultBackupInterval    = 24 * time.Hour
	defaultBackupKeepLast    = 14
	defaultBackupHistory     = 100
	defaultIntegrityInterval = 24 * time.Hour
	defaultIntegrityOffset   = 30 * time.Minute
	defaultIntegrityHistory  = 60
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath       string        `mapstructure:"db-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	HTTPSEnabled bool     `mapstructure:"https-enabled"`
	HTTPSPort    int      `mapstructure:"https-port"`
	HTTPSAddr    string   `mapstructure:"https-addr"`
	HTTPPort     int      `mapstructure:"http-port"`
	HTTPAddr     string   `mapstructure:"http-addr"`
	HTTPRedirect bool     `mapstructure:"http-redirect"`
	CertFile     string   `mapstructure:"cert-file"`
	KeyFile      string   `mapstructure:"key-file"`
	CertHosts    []string `mapstructure:"cert-hosts"`

	BackupInterval time.Duration `mapstructure:"backup-interval"`
	BackupKeepLast int           `mapstructure:"backup-keep-last"`
	BackupHistory  int           `mapstructure:"backup-history"`
	BackupDir      string        `mapstructure:"backup-dir"`
	BackupCompress bool          `mapstructure:"backup-compress"`
	BackupOnStart  bool          `mapstructure:"backup-on-start"`

	IntegrityInterval   time.Duration `mapstructure:"integrity-interval"`
	IntegrityOffset     time.Duration `mapstructure:"integrity-offset"`
	IntegrityHistory    int           `mapstructure:"integrity-history"`
	IntegrityDeepVerify bool          `mapstructure:"integrity-deep-verify"`
	IntegrityLedger     string        `mapstructure:"integrity-ledger"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

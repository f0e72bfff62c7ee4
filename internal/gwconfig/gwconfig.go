// Package gwconfig assembles the gateway's recognized configuration
// options (spec §6) from environment variables using the shared
// infrastructure/config loader helpers.
package gwconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/almazom/kmi-gateway/infrastructure/config"
	"github.com/almazom/kmi-gateway/infrastructure/httputil"
)

// Config is the gateway's fully-resolved runtime configuration.
type Config struct {
	StateDir string
	BasePath string

	UpstreamBaseURL   string
	UpstreamAllowlist []string

	AutoRotateAllowed bool

	RotationCooldownSeconds int
	RetryMax                int
	RetryBaseMS             int

	MaxRPS       int
	MaxRPM       int
	MaxRPSPerKey int
	MaxRPMPerKey int

	DryRun    bool
	ProxyToken string

	RequireUsageBeforeRequest bool
	FailOpenOnEmptyCache      bool
	UsageCacheSeconds         int

	PaymentBlockSeconds int
	PaymentBlockTokens  []string

	BlocklistRecheckSeconds int
	BlocklistRecheckMax     int

	TraceMaxBytes   int64
	TraceMaxBackups int
	TraceAsync      bool

	TimeZone *time.Location
}

// Load reads every recognized option from the environment, applying the
// same defaults the spec names and validating the upstream base URL
// against its allowlist.
func Load() (Config, error) {
	cfg := Config{
		StateDir: config.GetEnv("KMI_STATE_DIR", "./data"),
		BasePath: config.GetEnv("KMI_BASE_PATH", "/kmi-rotor/v1"),

		UpstreamAllowlist: config.SplitAndTrimCSV(config.GetEnv("KMI_UPSTREAM_ALLOWLIST", "")),

		AutoRotateAllowed: config.GetEnvBool("KMI_AUTO_ROTATE_ALLOWED", true),

		RotationCooldownSeconds: config.GetEnvInt("KMI_ROTATION_COOLDOWN_SECONDS", 300),
		RetryMax:                config.GetEnvInt("KMI_RETRY_MAX", 2),
		RetryBaseMS:             config.GetEnvInt("KMI_RETRY_BASE_MS", 250),

		MaxRPS:       config.GetEnvInt("KMI_MAX_RPS", 0),
		MaxRPM:       config.GetEnvInt("KMI_MAX_RPM", 0),
		MaxRPSPerKey: config.GetEnvInt("KMI_MAX_RPS_PER_KEY", 0),
		MaxRPMPerKey: config.GetEnvInt("KMI_MAX_RPM_PER_KEY", 0),

		DryRun:     config.GetEnvBool("KMI_DRY_RUN", false),
		ProxyToken: config.GetEnv("KMI_PROXY_TOKEN", ""),

		RequireUsageBeforeRequest: config.GetEnvBool("KMI_REQUIRE_USAGE_BEFORE_REQUEST", false),
		FailOpenOnEmptyCache:      config.GetEnvBool("KMI_FAIL_OPEN_ON_EMPTY_CACHE", true),
		UsageCacheSeconds:         config.GetEnvInt("KMI_USAGE_CACHE_SECONDS", 60),

		PaymentBlockSeconds: config.GetEnvInt("KMI_PAYMENT_BLOCK_SECONDS", 3600),
		PaymentBlockTokens:  config.SplitAndTrimCSV(config.GetEnv("payment_block_tokens", "")),

		BlocklistRecheckSeconds: config.GetEnvInt("KMI_BLOCKLIST_RECHECK_SECONDS", 300),
		BlocklistRecheckMax:     config.GetEnvInt("KMI_BLOCKLIST_RECHECK_MAX", 3),

		TraceMaxBytes:   int64(config.GetEnvInt("KMI_TRACE_MAX_BYTES", 10*1024*1024)),
		TraceMaxBackups: config.GetEnvInt("KMI_TRACE_MAX_BACKUPS", 5),
		TraceAsync:      config.GetEnvBool("KMI_TRACE_ASYNC", true),
	}

	rawURL := config.RequireEnv("KMI_UPSTREAM_BASE_URL")
	normalized, _, err := httputil.NormalizeUpstreamBaseURL(rawURL, cfg.UpstreamAllowlist)
	if err != nil {
		return Config{}, fmt.Errorf("gwconfig: upstream_base_url: %w", err)
	}
	cfg.UpstreamBaseURL = normalized

	tzName := config.GetEnv("KMI_TIME_ZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return Config{}, fmt.Errorf("gwconfig: time_zone %q: %w", tzName, err)
	}
	cfg.TimeZone = loc

	return cfg, nil
}

// NormalizedBasePath returns BasePath without a trailing slash, so route
// registration can append "/{rest:.*}" consistently.
func (c Config) NormalizedBasePath() string {
	return strings.TrimRight(c.BasePath, "/")
}

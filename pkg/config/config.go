package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile selects the set of environment defaults
type Profile string

const (
	ProfileTest Profile = "test"
	ProfileDev  Profile = "dev"
	ProfileDemo Profile = "demo"
	ProfileProd Profile = "prod"
)

const envPrefix = "PODUP_"

// Config holds the full process configuration. It is resolved once at
// startup from the profile defaults, an optional YAML overlay, and the
// environment (highest precedence).
type Config struct {
	Profile Profile `yaml:"profile"`

	StateDir         string `yaml:"state_dir"`
	DBURL            string `yaml:"db_url"`
	HTTPAddr         string `yaml:"http_addr"`
	PublicBaseURL    string `yaml:"public_base_url"`
	DebugPayloadPath string `yaml:"debug_payload_path"`
	AuditSync        bool   `yaml:"audit_sync"`

	Token           string `yaml:"token"`
	ManualToken     string `yaml:"manual_token"`
	GHWebhookSecret string `yaml:"gh_webhook_secret"`
	GHPathPrefix    string `yaml:"gh_path_prefix"`
	GHAllowedEvents string `yaml:"gh_allowed_events"`

	SchedulerIntervalSecs    int `yaml:"scheduler_interval_secs"`
	SchedulerMinIntervalSecs int `yaml:"scheduler_min_interval_secs"`
	SchedulerMaxTicks        int `yaml:"scheduler_max_ticks"`

	ManualUnits          []string `yaml:"manual_units"`
	ManualAutoUpdateUnit string   `yaml:"manual_auto_update_unit"`
	ContainerDir         string   `yaml:"container_dir"`

	FwdAuthHeader         string `yaml:"fwd_auth_header"`
	FwdAuthAdminValue     string `yaml:"fwd_auth_admin_value"`
	FwdAuthNicknameHeader string `yaml:"fwd_auth_nickname_header"`
	AdminModeName         string `yaml:"admin_mode_name"`
	DevOpenAdmin          bool   `yaml:"dev_open_admin"`

	SystemdRunSnapshot string `yaml:"systemd_run_snapshot"`
	SSHTarget          string `yaml:"ssh_target"`
	AutoUpdateLogDir   string `yaml:"auto_update_log_dir"`
	Executor           string `yaml:"executor"` // systemd-run | local-child

	RegistryDigestCacheTTLSecs int `yaml:"registry_digest_cache_ttl_secs"`

	Limit1Count  int `yaml:"limit1_count"`
	Limit1Window int `yaml:"limit1_window"`
	Limit2Count  int `yaml:"limit2_count"`
	Limit2Window int `yaml:"limit2_window"`
}

// Defaults that hold across profiles unless overridden.
const (
	DefaultGHPathPrefix       = "github-package-update"
	DefaultAutoUpdateUnit     = "podman-auto-update.service"
	DefaultHTTPAddr           = ":8080"
	DefaultSchedulerInterval  = 900
	DefaultSchedulerMinFloor  = 60
	DefaultDigestCacheTTLSecs = 600
)

// Load resolves the configuration: profile defaults, then an optional
// podup.yaml overlay in the state dir or cwd, then environment.
func Load() (*Config, error) {
	profile := Profile(getenv("PROFILE", string(ProfileProd)))
	switch profile {
	case ProfileTest, ProfileDev, ProfileDemo, ProfileProd:
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}

	cfg := defaultsFor(profile)

	if path := overlayPath(cfg.StateDir); path != "" {
		if err := loadOverlay(path, cfg); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.StateDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving state dir: %w", err)
		}
		cfg.StateDir = cwd
	}
	if cfg.DebugPayloadPath == "" && profile != ProfileTest {
		cfg.DebugPayloadPath = filepath.Join(cfg.StateDir, "last_payload.bin")
	}
	return cfg, nil
}

// Defaults returns the profile defaults without overlay or environment
// applied. Tests build their configuration from here.
func Defaults(profile Profile) *Config {
	return defaultsFor(profile)
}

func defaultsFor(profile Profile) *Config {
	cfg := &Config{
		Profile:                    profile,
		HTTPAddr:                   DefaultHTTPAddr,
		GHPathPrefix:               DefaultGHPathPrefix,
		ManualAutoUpdateUnit:       DefaultAutoUpdateUnit,
		SchedulerIntervalSecs:      DefaultSchedulerInterval,
		SchedulerMinIntervalSecs:   DefaultSchedulerMinFloor,
		RegistryDigestCacheTTLSecs: DefaultDigestCacheTTLSecs,
	}

	switch profile {
	case ProfileTest:
		cfg.DBURL = "sqlite::memory:"
	case ProfileDev, ProfileDemo:
		cfg.DevOpenAdmin = true
		cfg.DBURL = "sqlite:podup.db"
	case ProfileProd:
		// minimal defaults; everything sensitive must be explicit
	}
	return cfg
}

func overlayPath(stateDir string) string {
	candidates := []string{}
	if stateDir != "" {
		candidates = append(candidates, filepath.Join(stateDir, "podup.yaml"))
	}
	candidates = append(candidates, "podup.yaml")
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c
		}
	}
	return ""
}

func loadOverlay(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = Truthy(v)
		}
	}

	setStr("STATE_DIR", &cfg.StateDir)
	setStr("DB_URL", &cfg.DBURL)
	setStr("HTTP_ADDR", &cfg.HTTPAddr)
	setStr("PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	setStr("DEBUG_PAYLOAD_PATH", &cfg.DebugPayloadPath)
	setBool("AUDIT_SYNC", &cfg.AuditSync)

	setStr("TOKEN", &cfg.Token)
	setStr("MANUAL_TOKEN", &cfg.ManualToken)
	setStr("GH_WEBHOOK_SECRET", &cfg.GHWebhookSecret)
	setStr("GH_PATH_PREFIX", &cfg.GHPathPrefix)
	setStr("GH_ALLOWED_EVENTS", &cfg.GHAllowedEvents)

	setInt("SCHEDULER_INTERVAL_SECS", &cfg.SchedulerIntervalSecs)
	setInt("SCHEDULER_MIN_INTERVAL_SECS", &cfg.SchedulerMinIntervalSecs)
	setInt("SCHEDULER_MAX_TICKS", &cfg.SchedulerMaxTicks)

	if v, ok := os.LookupEnv(envPrefix + "MANUAL_UNITS"); ok {
		cfg.ManualUnits = SplitUnitList(v)
	}
	setStr("MANUAL_AUTO_UPDATE_UNIT", &cfg.ManualAutoUpdateUnit)
	setStr("CONTAINER_DIR", &cfg.ContainerDir)

	setStr("FWD_AUTH_HEADER", &cfg.FwdAuthHeader)
	setStr("FWD_AUTH_ADMIN_VALUE", &cfg.FwdAuthAdminValue)
	setStr("FWD_AUTH_NICKNAME_HEADER", &cfg.FwdAuthNicknameHeader)
	setStr("ADMIN_MODE_NAME", &cfg.AdminModeName)
	setBool("DEV_OPEN_ADMIN", &cfg.DevOpenAdmin)

	setStr("SYSTEMD_RUN_SNAPSHOT", &cfg.SystemdRunSnapshot)
	setStr("EXECUTOR", &cfg.Executor)
	setStr("SSH_TARGET", &cfg.SSHTarget)
	setStr("AUTO_UPDATE_LOG_DIR", &cfg.AutoUpdateLogDir)

	setInt("REGISTRY_DIGEST_CACHE_TTL_SECS", &cfg.RegistryDigestCacheTTLSecs)

	setInt("LIMIT1_COUNT", &cfg.Limit1Count)
	setInt("LIMIT1_WINDOW", &cfg.Limit1Window)
	setInt("LIMIT2_COUNT", &cfg.Limit2Count)
	setInt("LIMIT2_WINDOW", &cfg.Limit2Window)
}

// Truthy reports whether an env value means "enabled"
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SplitUnitList splits a comma- or newline-separated unit list
func SplitUnitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// SchedulerInterval returns the effective tick interval, honouring the
// minimum floor.
func (c *Config) SchedulerInterval() time.Duration {
	interval := c.SchedulerIntervalSecs
	if interval < c.SchedulerMinIntervalSecs {
		interval = c.SchedulerMinIntervalSecs
	}
	return time.Duration(interval) * time.Second
}

// DigestCacheTTL returns the registry digest cache TTL
func (c *Config) DigestCacheTTL() time.Duration {
	return time.Duration(c.RegistryDigestCacheTTLSecs) * time.Second
}

// ForwardAuthOpen reports whether admin routes run unauthenticated
func (c *Config) ForwardAuthOpen() bool {
	return c.DevOpenAdmin || c.FwdAuthHeader == "" || c.FwdAuthAdminValue == ""
}

// AssetRoot picks the web asset root from an ordered candidate list. The
// first existing directory wins; the final fallback is returned even if
// it does not exist so callers can log a meaningful path.
func (c *Config) AssetRoot() string {
	candidates := []string{
		filepath.Join(c.StateDir, "web", "dist"),
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, "web", "dist"))
	}
	candidates = append(candidates, filepath.Join("/usr/share/podup", "web", "dist"))

	for _, dir := range candidates {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return candidates[len(candidates)-1]
}

// PidDir is where the local-child executor keeps pidfiles
func (c *Config) PidDir() string {
	return filepath.Join(c.StateDir, "task-pids")
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

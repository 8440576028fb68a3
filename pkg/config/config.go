package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/enkore/borgcube/pkg/types"
)

// Duration decodes YAML strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the daemon configuration file.
type Config struct {
	// ListenAddr is the HTTP control API address.
	ListenAddr string `yaml:"listen"`

	// DataDir holds the bolt database and job logs.
	DataDir string `yaml:"data_dir"`

	// SocketPath is the unix socket on which the daemon serves
	// gateway sessions to serve processes. Defaults to
	// <data_dir>/gateway.sock.
	SocketPath string `yaml:"socket"`

	// Secret keys object-id computation and reverse paths.
	Secret string `yaml:"secret"`

	TickInterval Duration `yaml:"tick_interval"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	// Bootstrap entities, upserted into the store at daemon start.
	Repositories []RepositoryConfig `yaml:"repositories"`
	Clients      []ClientConfig     `yaml:"clients"`
	Schedules    []ScheduleConfig   `yaml:"schedules"`

	RetentionPolicies []RetentionConfig `yaml:"retention_policies"`
}

type RepositoryConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
}

type ClientConfig struct {
	Hostname    string `yaml:"hostname"`
	Description string `yaml:"description"`

	Remote         string   `yaml:"remote"`
	RSH            string   `yaml:"rsh"`
	RSHOptions     []string `yaml:"rsh_options"`
	IdentityFile   string   `yaml:"identity_file"`
	RemoteBorg     string   `yaml:"remote_borg"`
	RemoteCacheDir string   `yaml:"remote_cache_dir"`
}

type ScheduleConfig struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Start       time.Time      `yaml:"start"`
	Unit        string         `yaml:"unit"`
	Interval    int            `yaml:"interval"`
	Actions     []ActionConfig `yaml:"actions"`
}

type ActionConfig struct {
	Kind       string `yaml:"kind"`
	Repository string `yaml:"repository"`
	Client     string `yaml:"client"`
	Config     string `yaml:"config"`
	Repair     bool   `yaml:"repair"`
	NoCatchUp  bool   `yaml:"no_catch_up"`
}

type RetentionConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	KeepHourly  int    `yaml:"keep_hourly"`
	KeepDaily   int    `yaml:"keep_daily"`
	KeepWeekly  int    `yaml:"keep_weekly"`
	KeepMonthly int    `yaml:"keep_monthly"`
	KeepYearly  int    `yaml:"keep_yearly"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8200"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/borgcube"
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "gateway.sock")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = Duration(5 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: secret must be set")
	}
	seen := make(map[string]bool)
	for _, r := range c.Repositories {
		if r.ID == "" || r.URL == "" {
			return fmt.Errorf("config: repository needs id and url")
		}
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate repository id %q", r.ID)
		}
		seen[r.ID] = true
	}
	for _, s := range c.Schedules {
		for _, a := range s.Actions {
			if a.Repository == "" {
				return fmt.Errorf("config: schedule %s: action needs a repository", s.ID)
			}
			if a.Kind == string(types.ActionBackup) && a.Client == "" {
				return fmt.Errorf("config: schedule %s: backup action needs a client", s.ID)
			}
		}
	}
	return nil
}

// Repository converts a bootstrap entry to its domain type.
func (r RepositoryConfig) Repository() *types.Repository {
	return &types.Repository{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		URL:         r.URL,
	}
}

// Client converts a bootstrap entry to its domain type.
func (c ClientConfig) Client() *types.Client {
	return &types.Client{
		Hostname:    c.Hostname,
		Description: c.Description,
		Connection: &types.RshConnection{
			Remote:         c.Remote,
			RSH:            c.RSH,
			RSHOptions:     c.RSHOptions,
			IdentityFile:   c.IdentityFile,
			RemoteBorg:     c.RemoteBorg,
			RemoteCacheDir: c.RemoteCacheDir,
		},
	}
}

// Schedule converts a bootstrap entry to its domain type.
func (s ScheduleConfig) Schedule() *types.Schedule {
	actions := make([]types.ScheduledAction, 0, len(s.Actions))
	for _, a := range s.Actions {
		actions = append(actions, types.ScheduledAction{
			Kind:          types.ActionKind(a.Kind),
			RepositoryRef: a.Repository,
			ClientRef:     a.Client,
			ConfigRef:     a.Config,
			Repair:        a.Repair,
			NoCatchUp:     a.NoCatchUp,
		})
	}
	return &types.Schedule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Recurrence: types.Recurrence{
			Start:    s.Start,
			Unit:     types.RecurrenceUnit(s.Unit),
			Interval: s.Interval,
		},
		Actions: actions,
	}
}

// Policies returns the retention policies keyed by name.
func (c *Config) Policies() map[string]*types.RetentionPolicy {
	out := make(map[string]*types.RetentionPolicy, len(c.RetentionPolicies))
	for _, p := range c.RetentionPolicies {
		out[p.Name] = &types.RetentionPolicy{
			Name:        p.Name,
			Description: p.Description,
			KeepHourly:  p.KeepHourly,
			KeepDaily:   p.KeepDaily,
			KeepWeekly:  p.KeepWeekly,
			KeepMonthly: p.KeepMonthly,
			KeepYearly:  p.KeepYearly,
		}
	}
	return out
}

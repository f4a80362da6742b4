package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Default config locations, checked in order. The daemon takes no CLI
// flags, so the file path is fixed by convention.
var DefaultPaths = []string{
	"./config.ini",
	"/etc/b24link/config.ini",
}

// BindingMode controls how finished calls are bound to CRM entities of a
// given kind.
type BindingMode string

const (
	BindAll      BindingMode = "ALL"
	BindFiltered BindingMode = "FILTERED"
	BindNone     BindingMode = "NONE"
)

// AMIConfig holds the Asterisk Manager Interface endpoint and credentials.
type AMIConfig struct {
	Host     string
	Port     int
	Username string
	Secret   string
}

// Addr returns the host:port dial string for the AMI endpoint.
func (a AMIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// RecordsConfig holds the recording post-processing settings.
type RecordsConfig struct {
	MP3Dir     string
	KeepSource bool
}

// BitrixConfig holds the Bitrix24 webhook settings.
type BitrixConfig struct {
	WebhookURL   string
	CallAdminID  string
	LeadTargetUF string // custom field holding the lead target value
	DealTargetUF string // field holding the deal category (usually CATEGORY_ID)
}

// EntityRequest describes how one CRM entity kind is fetched: a localized
// display name and the crm.*.list endpoint to call.
type EntityRequest struct {
	Name    string
	Request string
}

// LoggingConfig holds the default log destination and rotation settings.
type LoggingConfig struct {
	Dir         string
	Level       string
	File        string
	MaxSizeMB   int
	BackupCount int
	LogAMIEvent bool
}

// LoggerOverride carries per-subsystem overrides from a [Logger_<name>]
// section. Zero values fall back to the [Logging] defaults.
type LoggerOverride struct {
	Level       string
	File        string
	MaxSizeMB   int
	BackupCount int
}

// Config is the read-only view of the daemon configuration file.
type Config struct {
	AMI     AMIConfig
	Records RecordsConfig
	Bitrix  BitrixConfig
	Logging LoggingConfig

	// AllowedExtens lists the dialed extensions for which calls are tracked.
	AllowedExtens []string

	// EventHandling enables or disables handling per AMI event name.
	EventHandling map[string]bool

	// QueueNames maps queue id to its human-readable label.
	QueueNames map[string]string

	// QueueDealCategories maps queue id to the deal category ids belonging
	// to that queue.
	QueueDealCategories map[string][]string

	// QueueLeadTargets maps queue id to the lead target value ids for that
	// queue, in configured order (the first id is preferred on creation).
	QueueLeadTargets map[string][]string

	// BindingModes selects the binding policy per entity kind.
	BindingModes map[string]BindingMode

	// LeadTargetLabels maps lead target value id to its label.
	LeadTargetLabels map[string]string

	// EntityKinds lists the configured entity kinds in file order; the
	// order drives the caller-display summary.
	EntityKinds []string

	// EntityTypeLabels maps entity kind to its localized label.
	EntityTypeLabels map[string]string

	// EntityRequests maps entity kind to its CRM fetch descriptor.
	EntityRequests map[string]EntityRequest

	// Loggers holds per-subsystem logging overrides keyed by logger name.
	Loggers map[string]LoggerOverride

	// StatusListen is the listen address of the status/metrics HTTP
	// listener; empty disables it.
	StatusListen string
}

// Load reads and validates the first config file found among the default
// locations.
func Load() (*Config, error) {
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no config file found (looked in %s)", strings.Join(DefaultPaths, ", "))
}

// LoadFile reads and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg := &Config{
		EventHandling:       make(map[string]bool),
		QueueNames:          make(map[string]string),
		QueueDealCategories: make(map[string][]string),
		QueueLeadTargets:    make(map[string][]string),
		BindingModes:        make(map[string]BindingMode),
		LeadTargetLabels:    make(map[string]string),
		EntityTypeLabels:    make(map[string]string),
		EntityRequests:      make(map[string]EntityRequest),
		Loggers:             make(map[string]LoggerOverride),
	}

	ami := f.Section("AMI")
	cfg.AMI = AMIConfig{
		Host:     ami.Key("host").String(),
		Port:     ami.Key("port").MustInt(5038),
		Username: ami.Key("username").String(),
		Secret:   ami.Key("secret").String(),
	}

	rec := f.Section("Records")
	cfg.Records = RecordsConfig{
		MP3Dir:     rec.Key("mp3_dir").String(),
		KeepSource: rec.Key("keep_source").MustBool(true),
	}

	cfg.AllowedExtens = splitList(f.Section("Allowed_Extens").Key("extens").String())

	for _, k := range f.Section("EventHandling").Keys() {
		cfg.EventHandling[k.Name()] = k.MustBool(false)
	}

	for _, k := range f.Section("QueueNames").Keys() {
		cfg.QueueNames[k.Name()] = k.String()
	}
	for _, k := range f.Section("QueueB24DealCategories").Keys() {
		cfg.QueueDealCategories[k.Name()] = splitList(k.String())
	}
	for _, k := range f.Section("QueueB24LeadTarget").Keys() {
		cfg.QueueLeadTargets[k.Name()] = splitList(k.String())
	}

	b24 := f.Section("Bitrix24")
	cfg.Bitrix = BitrixConfig{
		WebhookURL:   strings.TrimRight(b24.Key("webhook_url").String(), "/"),
		CallAdminID:  b24.Key("call_admin_id").String(),
		LeadTargetUF: b24.Key("lead_uf_list_id").String(),
		DealTargetUF: b24.Key("deal_uf_list_id").String(),
	}

	for _, k := range f.Section("Bitrix24_Binding_Call").Keys() {
		cfg.BindingModes[k.Name()] = BindingMode(strings.ToUpper(k.String()))
	}
	for _, k := range f.Section("Bitrix24_lead_Target_IDs").Keys() {
		cfg.LeadTargetLabels[k.Name()] = k.String()
	}
	for _, k := range f.Section("EntityTypes").Keys() {
		cfg.EntityKinds = append(cfg.EntityKinds, k.Name())
		cfg.EntityTypeLabels[k.Name()] = k.String()
	}

	// [Bitrix24EntityTypes] keys are dotted: <kind>.name, <kind>.request.
	for _, k := range f.Section("Bitrix24EntityTypes").Keys() {
		kind, attr, ok := strings.Cut(k.Name(), ".")
		if !ok {
			continue
		}
		er := cfg.EntityRequests[kind]
		switch attr {
		case "name":
			er.Name = k.String()
		case "request":
			er.Request = k.String()
		}
		cfg.EntityRequests[kind] = er
	}

	lg := f.Section("Logging")
	cfg.Logging = LoggingConfig{
		Dir:         lg.Key("dir").String(),
		Level:       strings.ToLower(lg.Key("level").MustString("info")),
		File:        lg.Key("file").MustString("b24link.log"),
		MaxSizeMB:   lg.Key("max_size").MustInt(10),
		BackupCount: lg.Key("backup_count").MustInt(5),
		LogAMIEvent: lg.Key("log_ami_events").MustBool(false),
	}

	for _, sec := range f.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "Logger_")
		if !ok {
			continue
		}
		cfg.Loggers[name] = LoggerOverride{
			Level:       strings.ToLower(sec.Key("level").String()),
			File:        sec.Key("file").String(),
			MaxSizeMB:   sec.Key("max_size").MustInt(0),
			BackupCount: sec.Key("backup_count").MustInt(0),
		}
	}

	cfg.StatusListen = f.Section("Status").Key("listen").String()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("[AMI] host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("[AMI] port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" || c.AMI.Secret == "" {
		return fmt.Errorf("[AMI] username and secret are required")
	}
	if c.Bitrix.WebhookURL == "" {
		return fmt.Errorf("[Bitrix24] webhook_url is required")
	}
	if c.Bitrix.CallAdminID == "" {
		return fmt.Errorf("[Bitrix24] call_admin_id is required")
	}
	if c.Records.MP3Dir == "" {
		return fmt.Errorf("[Records] mp3_dir is required")
	}
	if len(c.AllowedExtens) == 0 {
		return fmt.Errorf("[Allowed_Extens] extens must list at least one extension")
	}
	for kind, mode := range c.BindingModes {
		switch mode {
		case BindAll, BindFiltered, BindNone:
		default:
			return fmt.Errorf("[Bitrix24_Binding_Call] %s must be ALL, FILTERED or NONE; got %q", kind, mode)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("[Logging] level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}

// TargetField returns the configured custom-field name carrying the target
// value for the given entity kind, or "" when the kind has none.
func (c *Config) TargetField(kind string) string {
	switch kind {
	case "lead":
		return c.Bitrix.LeadTargetUF
	case "deal":
		return c.Bitrix.DealTargetUF
	}
	return ""
}

// TargetValues returns the set of acceptable target values for the given
// entity kind on the given queue.
func (c *Config) TargetValues(kind, queueID string) []string {
	switch kind {
	case "lead":
		return c.QueueLeadTargets[queueID]
	case "deal":
		return c.QueueDealCategories[queueID]
	}
	return nil
}

// splitList splits a comma-separated config value, trimming whitespace and
// surrounding single quotes from each item.
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "'")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

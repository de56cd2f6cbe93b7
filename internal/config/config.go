package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// Config holds all runtime configuration for the IronPBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	SIPPort    int
	SIPTLSPort int
	OpsPort    int
	RTPPortMin int
	RTPPortMax int
	TLSCert    string
	TLSKey     string
	LogLevel   string
	LogFormat  string
	ExternalIP string // public IP for SDP rewriting (media relay)
	SIPRealm   string // digest auth realm

	DialplanFile   string // JSON dialplan (rules + attendant graphs)
	ExtensionsFile string // JSON extension provisioning applied at startup
	CodecPrefs     string // comma-separated codec preference order

	PostgresDSN   string // optional CDR sink; empty disables it
	WebhookURL    string // optional event webhook endpoint; empty disables it
	WebhookSecret string // HS256 signing secret for webhook deliveries

	SMTPHost     string // voicemail notification relay; empty disables email
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool // implicit TLS (SMTPS); otherwise STARTTLS is attempted

	RecordCalls    bool // record every answered call to the recordings tree
	RetentionDays  int  // recordings/voicemail retention; 0 keeps forever
	RingTimeoutSec int  // default ring timeout when a dialplan rule has none
	MaxCalls       int  // concurrent call ceiling; 0 means pool-limited only
	InbandDTMF     bool // enable the in-band Goertzel detector per call
	SIPDebug       bool // log raw SIP messages at debug level
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultSIPPort     = 5060
	defaultSIPTLSPort  = 5061
	defaultOpsPort     = 8080
	defaultRTPPortMin  = 10000
	defaultRTPPortMax  = 20000
	defaultLogLevel    = "info"
	defaultLogFormat   = "json"
	defaultRealm       = "ironpbx"
	defaultCodecPrefs  = "pcmu,pcma"
	defaultRetention   = 30
	defaultRingTimeout = 30
	defaultSMTPPort    = 587
)

// envPrefix is the prefix for all IronPBX environment variables.
const envPrefix = "IRONPBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ironpbx", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database, voicemail, recordings and CDRs")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port")
	fs.IntVar(&cfg.OpsPort, "ops-port", defaultOpsPort, "HTTP diagnostics listen port (health, metrics, inspectors)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media relay")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media relay")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP rewriting (auto-detected if empty)")
	fs.StringVar(&cfg.SIPRealm, "sip-realm", defaultRealm, "digest authentication realm")
	fs.StringVar(&cfg.DialplanFile, "dialplan", "", "path to JSON dialplan file (built-in rules if empty)")
	fs.StringVar(&cfg.ExtensionsFile, "extensions", "", "path to JSON extension provisioning file")
	fs.StringVar(&cfg.CodecPrefs, "codec-prefs", defaultCodecPrefs, "comma-separated codec preference order")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the CDR sink (JSONL only if empty)")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "HTTP endpoint for lifecycle event webhooks")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", "", "HS256 signing secret for webhook deliveries")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP relay for voicemail notifications (disabled if empty)")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP relay port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for voicemail notifications")
	fs.StringVar(&cfg.SMTPUsername, "smtp-user", "", "SMTP auth username (no auth if empty)")
	fs.StringVar(&cfg.SMTPPassword, "smtp-pass", "", "SMTP auth password")
	fs.BoolVar(&cfg.SMTPTLS, "smtp-tls", false, "connect with implicit TLS instead of STARTTLS")
	fs.BoolVar(&cfg.RecordCalls, "record-calls", false, "record every answered call")
	fs.IntVar(&cfg.RetentionDays, "retention-days", defaultRetention, "days to keep recordings and voicemail (0 = forever)")
	fs.IntVar(&cfg.RingTimeoutSec, "ring-timeout", defaultRingTimeout, "default ring timeout in seconds")
	fs.IntVar(&cfg.MaxCalls, "max-calls", 0, "concurrent call ceiling (0 = limited by the RTP port pool)")
	fs.BoolVar(&cfg.InbandDTMF, "inband-dtmf", false, "detect in-band DTMF tones on relayed audio")
	fs.BoolVar(&cfg.SIPDebug, "sip-debug", false, "log raw SIP messages (very verbose)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Env var names are the flag names
// upper-cased with dashes as underscores under the IRONPBX_ prefix.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			slog.Warn("ignoring bad environment override",
				"var", envVar,
				"value", val,
				"error", err,
			)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	for name, port := range map[string]int{
		"sip-port":     c.SIPPort,
		"sip-tls-port": c.SIPTLSPort,
		"ops-port":     c.OpsPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if c.SIPRealm == "" {
		return fmt.Errorf("sip-realm must not be empty")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention-days must not be negative, got %d", c.RetentionDays)
	}
	if c.RingTimeoutSec < 1 {
		return fmt.Errorf("ring-timeout must be at least 1 second, got %d", c.RingTimeoutSec)
	}
	if c.MaxCalls < 0 {
		return fmt.Errorf("max-calls must not be negative, got %d", c.MaxCalls)
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("webhook-url requires webhook-secret")
	}
	if c.SMTPHost != "" {
		if c.SMTPPort < 1 || c.SMTPPort > 65535 {
			return fmt.Errorf("smtp-port must be between 1 and 65535, got %d", c.SMTPPort)
		}
		if c.SMTPFrom == "" {
			return fmt.Errorf("smtp-host requires smtp-from")
		}
	}

	for _, name := range c.CodecNames() {
		switch name {
		case "pcmu", "pcma":
		default:
			return fmt.Errorf("unsupported codec %q in codec-prefs", name)
		}
	}
	if len(c.CodecNames()) == 0 {
		return fmt.Errorf("codec-prefs must name at least one codec")
	}

	return nil
}

// CodecNames returns the configured codec preference order, lower-cased.
func (c *Config) CodecNames() []string {
	var names []string
	for _, n := range strings.Split(c.CodecPrefs, ",") {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// TLSEnabled reports whether the SIP TLS listener should start.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SMTPEnabled reports whether voicemail email notifications are configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// SIPHost returns the hostname to use for the SIP User-Agent. It defaults
// to the machine hostname.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address advertised in SDP for the media relay.
// If ExternalIP is configured it is returned directly; otherwise the
// machine's primary non-loopback IPv4 address is detected. Falls back to
// "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// RingTimeout returns the default ring timeout as a duration string helper
// for the SIP layer.
func (c *Config) RingTimeout() int { return c.RingTimeoutSec }

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"
)

// Duration unmarshals either a Go duration string ("30s") or a bare
// integer (milliseconds), so config files can use whichever is more
// natural for the field.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty duration")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			d.Duration = 0
			return nil
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration string %q: %w", s, err)
		}
		d.Duration = dur
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// ManagementConfig binds the optional introspection HTTP surface
// (/state, /healthz, /metrics) shared by both the server and the
// endpoint.
type ManagementConfig struct {
	Bind string   `json:"bind,omitempty"`
	ACL  []string `json:"acl,omitempty"`
}

// LoggingConfig selects leveled JSON logging output.
type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
}

func (l LoggingConfig) normalisedLevel() string {
	return strings.ToLower(strings.TrimSpace(l.Level))
}

func (c *ManagementConfig) applyDefaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:7777"
	}
	if len(c.ACL) == 0 {
		c.ACL = []string{"127.0.0.0/8"}
	}
}

func (c ManagementConfig) validate() error {
	for _, entry := range c.ACL {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid management acl entry %q: %w", entry, err)
		}
	}
	return nil
}

// Prefixes parses the ACL entries, dropping any that somehow failed
// validate() (defensive only; validate() is always called by Load*).
func (c ManagementConfig) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.ACL))
	for _, entry := range c.ACL {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}

// AuditConfig points the server's audit trail at a file.
type AuditConfig struct {
	OutputPath string `json:"outputPath"`
}

// ServerConfig is the relay server's configuration.
type ServerConfig struct {
	Listen              string           `json:"listen"`
	AllowOrigins        []string         `json:"allowOrigins,omitempty"`
	DisableRegistration bool             `json:"disableRegistration,omitempty"`
	MaxConnections      int              `json:"maxConnections,omitempty"`
	ConnectionRate      int              `json:"connectionRate,omitempty"`
	ConnectionBurst     int              `json:"connectionBurst,omitempty"`
	Management          ManagementConfig `json:"management"`
	Logging             LoggingConfig    `json:"logging"`
	Audit               AuditConfig      `json:"audit"`
}

// LoadServerConfig reads and validates a server config file. path may be
// "-" to read from stdin.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Listen == "" {
		return errors.New("listen address must be provided")
	}
	if err := validateHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.ConnectionRate <= 0 {
		c.ConnectionRate = 100
	}
	if c.ConnectionBurst <= 0 {
		c.ConnectionBurst = 10
	}

	c.Management.applyDefaults()
	if err := c.Management.validate(); err != nil {
		return err
	}

	if c.Audit.OutputPath == "" {
		c.Audit.OutputPath = "relay-audit.log"
	}

	return nil
}

func (c *ServerConfig) NormalisedLevel() string {
	return c.Logging.normalisedLevel()
}

// EndpointConfig is shared by the desktop and mobile headless endpoint
// binaries; Role picks which of the two it runs as.
type EndpointConfig struct {
	ServerURL          string           `json:"serverUrl"`
	Token              string           `json:"token,omitempty"`
	DeviceID           string           `json:"deviceId,omitempty"`
	DeviceName         string           `json:"deviceName"`
	Role               string           `json:"role"`
	SessionDir         string           `json:"sessionDir,omitempty"`
	UnlockSecret       string           `json:"unlockSecret,omitempty"`
	AllowRemoteControl bool             `json:"allowRemoteControl,omitempty"`
	AutoLockTimeout    Duration         `json:"autoLockTimeout,omitempty"`
	Management         ManagementConfig `json:"management"`
	Logging            LoggingConfig    `json:"logging"`
}

// LoadEndpointConfig reads and validates an endpoint config file. path
// may be "-" to read from stdin.
func LoadEndpointConfig(path string) (*EndpointConfig, error) {
	data, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}
	var cfg EndpointConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EndpointConfig) validate() error {
	if c.ServerURL == "" {
		return errors.New("serverUrl must be provided")
	}
	if _, err := url.Parse(c.ServerURL); err != nil {
		return fmt.Errorf("invalid serverUrl: %w", err)
	}

	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	switch c.Role {
	case "desktop", "mobile":
	default:
		return fmt.Errorf("role must be \"desktop\" or \"mobile\", got %q", c.Role)
	}

	if c.DeviceName == "" {
		return errors.New("deviceName must be provided")
	}

	if c.UnlockSecret == "" {
		c.UnlockSecret = "666666"
	}
	if len(c.UnlockSecret) != 6 {
		return errors.New("unlockSecret must be exactly six digits")
	}
	for _, r := range c.UnlockSecret {
		if r < '0' || r > '9' {
			return errors.New("unlockSecret must be numeric")
		}
	}

	if c.AutoLockTimeout.Duration < 0 {
		return errors.New("autoLockTimeout cannot be negative")
	}

	if c.SessionDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.SessionDir = home + "/.studiorelay"
	}

	c.Management.applyDefaults()
	return c.Management.validate()
}

func (c *EndpointConfig) NormalisedLevel() string {
	return c.Logging.normalisedLevel()
}

func readConfigSource(path string) ([]byte, error) {
	var reader io.ReadCloser
	if path == "-" {
		reader = io.NopCloser(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		reader = file
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func validateHostPort(addr string) error {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of valid range (1-65535)", port)
	}
	if host != "" && strings.Contains(host, " ") {
		return errors.New("invalid hostname: contains spaces")
	}
	return nil
}

func splitHostPort(addr string) (host string, port int, err error) {
	if strings.HasPrefix(addr, "[") {
		idx := strings.Index(addr, "]:")
		if idx == -1 {
			return "", 0, errors.New("invalid address format")
		}
		host = addr[1:idx]
		portStr := addr[idx+2:]
		p, perr := parsePort(portStr)
		return host, p, perr
	}
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return "", 0, errors.New("address must be in host:port format")
	}
	p, perr := parsePort(parts[1])
	return parts[0], p, perr
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty port")
	}
	var result int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		result = result*10 + int(c-'0')
		if result > 65535 {
			return 0, fmt.Errorf("port too large")
		}
	}
	return result, nil
}

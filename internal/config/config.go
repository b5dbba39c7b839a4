// Package config provides configuration parsing and validation for the
// Nyx daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	Protocol  ProtocolConfig   `yaml:"protocol"`
	TLS       GlobalTLSConfig  `yaml:"tls"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Peers     []PeerConfig     `yaml:"peers"`
	Noise     NoiseConfig      `yaml:"noise"`
	Mix       MixConfig        `yaml:"mix"`
	FEC       FECConfig        `yaml:"fec"`
	Timing    TimingConfig     `yaml:"timing"`
	Flow      FlowConfig       `yaml:"flow"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Alerts    AlertsConfig     `yaml:"alerts"`
	Control   ControlConfig    `yaml:"control"`
}

// ProtocolConfig defines protocol identifiers used for transport negotiation.
// These can be customized to blend with other traffic for OPSEC purposes.
type ProtocolConfig struct {
	// ALPN is the Application-Layer Protocol Negotiation identifier.
	// Used for QUIC and TLS connections. Default: "nyx/1"
	// Set to empty string "" to use no custom ALPN (uses transport defaults like "h2").
	ALPN string `yaml:"alpn"`

	// HTTPHeader is the custom header name for HTTP/2 transport protocol identification.
	// Default: "X-Nyx-Protocol". Set to empty string "" to disable custom header.
	HTTPHeader string `yaml:"http_header"`

	// WSSubprotocol is the WebSocket subprotocol identifier.
	// Default: "nyx/1". Set to empty string "" to disable subprotocol negotiation.
	WSSubprotocol string `yaml:"ws_subprotocol"`
}

// GlobalTLSConfig defines global TLS settings shared across all connections.
// The CA is used for both verifying peer certificates and client certificate
// verification when mTLS is enabled on listeners.
type GlobalTLSConfig struct {
	// CA certificate for verifying peer certificates and client certs (mTLS)
	CA    string `yaml:"ca"`     // CA certificate file path
	CAPEM string `yaml:"ca_pem"` // CA certificate PEM content (takes precedence)

	// Node's identity certificate used for listeners and peer connections
	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CertPEM string `yaml:"cert_pem"` // Certificate PEM content (takes precedence)
	KeyPEM  string `yaml:"key_pem"`  // Private key PEM content (takes precedence)

	// MTLS enables mutual TLS on listeners (require client certificates)
	MTLS bool `yaml:"mtls"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCAPEM() ([]byte, error) {
	if g.CAPEM != "" {
		return []byte(g.CAPEM), nil
	}
	if g.CA != "" {
		return os.ReadFile(g.CA)
	}
	return nil, nil
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCertPEM() ([]byte, error) {
	if g.CertPEM != "" {
		return []byte(g.CertPEM), nil
	}
	if g.Cert != "" {
		return os.ReadFile(g.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetKeyPEM() ([]byte, error) {
	if g.KeyPEM != "" {
		return []byte(g.KeyPEM), nil
	}
	if g.Key != "" {
		return os.ReadFile(g.Key)
	}
	return nil, nil
}

// HasCA returns true if CA certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCA() bool {
	return g.CA != "" || g.CAPEM != ""
}

// HasCert returns true if certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCert() bool {
	return g.Cert != "" || g.CertPEM != ""
}

// HasKey returns true if private key is configured (either file or PEM).
func (g *GlobalTLSConfig) HasKey() bool {
	return g.Key != "" || g.KeyPEM != ""
}

// AgentConfig contains node identity settings.
type AgentConfig struct {
	ID        string `yaml:"id"`         // "auto" or hex string
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// NoiseConfig parameterizes the Noise XX handshake and session rekeying.
type NoiseConfig struct {
	// StaticKeyFile is the path to the node's persisted X25519 static key.
	StaticKeyFile string `yaml:"static_key_file"`

	// RekeyInterval triggers a session rekey after this much wall-clock
	// time has elapsed since the last handshake or rekey.
	RekeyInterval time.Duration `yaml:"rekey_interval"`

	// RekeyBytes is a byte-count rekey threshold. It is loaded from the
	// config file but no component reads it: sessions are rekeyed on the
	// RekeyInterval schedule only.
	RekeyBytes uint64 `yaml:"rekey_bytes"`
}

// MixConfig parameterizes mix path selection and the per-hop VDF delay.
type MixConfig struct {
	// PathLength is the number of mix hops a circuit is routed through.
	PathLength int `yaml:"path_length"`

	// DirectoryFile points at a file listing known mix node descriptors
	// (address, public key, advertised bandwidth) used to build paths.
	DirectoryFile string `yaml:"directory_file"`

	// VDFDifficulty is the number of sequential squarings (t) a relay must
	// perform before a cell may be forwarded.
	VDFDifficulty uint64 `yaml:"vdf_difficulty"`

	// VDFModulusBits is the bit length of the per-node VDF RSA-style
	// modulus the daemon generates on its first start.
	VDFModulusBits int `yaml:"vdf_modulus_bits"`
}

// FECConfig parameterizes the forward-error-correction cell groups.
type FECConfig struct {
	// CellSize is the fixed payload size of one cell in bytes.
	CellSize int `yaml:"cell_size"`

	// DataShards (k) is the number of data cells per FEC group.
	DataShards int `yaml:"data_shards"`

	// ParityShards (n-k) is the number of parity cells appended per group.
	ParityShards int `yaml:"parity_shards"`
}

// TimingConfig parameterizes the release-delay obfuscator and cover traffic.
type TimingConfig struct {
	MeanMs        float64       `yaml:"mean_ms"`
	SigmaMs       float64       `yaml:"sigma_ms"`
	CoverInterval time.Duration `yaml:"cover_interval"`
}

// FlowConfig parameterizes per-stream credit-window flow control.
type FlowConfig struct {
	InitialWindow uint64 `yaml:"initial_window"`
}

// MetricsConfig controls the Prometheus metrics collector and its
// exposition endpoint.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// AlertsConfig controls the threshold-based alert system's notification
// handlers. Console and log handlers are always active; email/webhook are
// opt-in.
type AlertsConfig struct {
	Email   EmailAlertConfig   `yaml:"email"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

// EmailAlertConfig configures the SMTP alert handler.
type EmailAlertConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	SMTPServer string `yaml:"smtp_server"`
	From       string `yaml:"from"`
}

// WebhookAlertConfig configures the HMAC-signed webhook alert handler.
// The target must be a plain-HTTP URL; TLS termination belongs to a local
// reverse proxy.
type WebhookAlertConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	HMACSecret string `yaml:"hmac_secret"`
	MaxRetries uint64 `yaml:"max_retries"`
}

// ControlConfig configures the daemon's Unix-domain-socket control API.
type ControlConfig struct {
	SocketPath   string        `yaml:"socket_path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // quic, h2, ws
	Address   string    `yaml:"address"`   // listen address
	Path      string    `yaml:"path"`      // HTTP path for h2/ws
	PlainText bool      `yaml:"plaintext"` // Allow plain WebSocket without TLS (for reverse proxy)
	TLS       TLSConfig `yaml:"tls"`
}

// PeerConfig defines a peer connection.
type PeerConfig struct {
	ID        string    `yaml:"id"`         // Expected peer static-key fingerprint
	Transport string    `yaml:"transport"`  // quic, h2, ws
	Address   string    `yaml:"address"`    // peer address
	Path      string    `yaml:"path"`       // HTTP path for h2/ws
	Proxy     string    `yaml:"proxy"`      // HTTP proxy for ws
	ProxyAuth ProxyAuth `yaml:"proxy_auth"` // Proxy authentication
	TLS       TLSConfig `yaml:"tls"`

	// ClientHelloPreset selects a uTLS fingerprint preset (chrome, firefox,
	// safari, edge, ios, android, random, disabled) for this dial.
	ClientHelloPreset string `yaml:"client_hello_preset"`
}

// TLSConfig defines per-connection TLS settings that can override global settings.
// For each certificate/key, you can specify either a file path or inline PEM content.
// If both are provided, inline PEM takes precedence.
type TLSConfig struct {
	// Override global cert/key (optional - uses global if not set)
	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CertPEM string `yaml:"cert_pem"` // Certificate PEM content
	KeyPEM  string `yaml:"key_pem"`  // Private key PEM content

	// Override global CA (optional - peer connections only)
	CA    string `yaml:"ca"`     // CA certificate file path
	CAPEM string `yaml:"ca_pem"` // CA certificate PEM content

	// mTLS override (optional - listener only, uses global if nil)
	// Use pointer to distinguish "not set" from "false"
	MTLS *bool `yaml:"mtls,omitempty"`

	// Other options
	Fingerprint        string `yaml:"fingerprint"`          // Certificate fingerprint for pinning
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Skip verification (dev only)
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CA != "" {
		return os.ReadFile(t.CA)
	}
	return nil, nil
}

// HasCert returns true if certificate is configured (either file or PEM).
func (t *TLSConfig) HasCert() bool {
	return t.Cert != "" || t.CertPEM != ""
}

// HasKey returns true if private key is configured (either file or PEM).
func (t *TLSConfig) HasKey() bool {
	return t.Key != "" || t.KeyPEM != ""
}

// HasCA returns true if CA certificate is configured (either file or PEM).
func (t *TLSConfig) HasCA() bool {
	return t.CA != "" || t.CAPEM != ""
}

// GetEffectiveCertPEM returns the effective certificate PEM, preferring per-connection
// override over global config.
func (c *Config) GetEffectiveCertPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCert() {
		return override.GetCertPEM()
	}
	return c.TLS.GetCertPEM()
}

// GetEffectiveKeyPEM returns the effective private key PEM, preferring per-connection
// override over global config.
func (c *Config) GetEffectiveKeyPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasKey() {
		return override.GetKeyPEM()
	}
	return c.TLS.GetKeyPEM()
}

// GetEffectiveCAPEM returns the effective CA certificate PEM, preferring per-connection
// override over global config.
func (c *Config) GetEffectiveCAPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCA() {
		return override.GetCAPEM()
	}
	return c.TLS.GetCAPEM()
}

// ProxyAuth defines proxy authentication.
type ProxyAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Protocol: ProtocolConfig{
			ALPN:          "nyx/1",
			HTTPHeader:    "X-Nyx-Protocol",
			WSSubprotocol: "nyx/1",
		},
		Listeners: []ListenerConfig{},
		Peers:     []PeerConfig{},
		Noise: NoiseConfig{
			StaticKeyFile: "./data/static.key",
			RekeyInterval: 10 * time.Minute,
			RekeyBytes:    1 << 30, // 1 GiB
		},
		Mix: MixConfig{
			PathLength:     3,
			DirectoryFile:  "./data/directory.json",
			VDFDifficulty:  200000,
			VDFModulusBits: 2048,
		},
		FEC: FECConfig{
			CellSize:     1280,
			DataShards:   12,
			ParityShards: 4,
		},
		Timing: TimingConfig{
			MeanMs:        20.0,
			SigmaMs:       10.0,
			CoverInterval: 500 * time.Millisecond,
		},
		Flow: FlowConfig{
			InitialWindow: 65536,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1:9090",
			SampleInterval: 10 * time.Second,
		},
		Control: ControlConfig{
			SocketPath:   "./data/control.sock",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if err := c.validateGlobalTLS(); err != nil {
		errs = append(errs, err.Error())
	}

	for i, l := range c.Listeners {
		if err := c.validateListener(l, i); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}

	for i, p := range c.Peers {
		if err := c.validatePeer(p, i); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
	}

	if c.Mix.PathLength < 1 {
		errs = append(errs, "mix.path_length must be at least 1")
	}
	if c.Mix.VDFDifficulty == 0 {
		errs = append(errs, "mix.vdf_difficulty must be positive")
	}

	if c.FEC.DataShards < 1 {
		errs = append(errs, "fec.data_shards must be positive")
	}
	if c.FEC.ParityShards < 0 {
		errs = append(errs, "fec.parity_shards must not be negative")
	}
	if c.FEC.CellSize < 1 {
		errs = append(errs, "fec.cell_size must be positive")
	}

	if c.Flow.InitialWindow == 0 {
		errs = append(errs, "flow.initial_window must be positive")
	}

	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		errs = append(errs, "alerts.webhook.url is required when enabled")
	}
	if c.Alerts.Email.Enabled {
		if c.Alerts.Email.SMTPServer == "" {
			errs = append(errs, "alerts.email.smtp_server is required when enabled")
		}
		if c.Alerts.Email.From == "" {
			errs = append(errs, "alerts.email.from is required when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validateGlobalTLS validates the global TLS configuration.
func (c *Config) validateGlobalTLS() error {
	if c.TLS.MTLS && !c.TLS.HasCA() {
		return fmt.Errorf("tls.ca is required when tls.mtls is enabled")
	}

	if c.TLS.HasCert() != c.TLS.HasKey() {
		return fmt.Errorf("tls.cert and tls.key must both be specified or both be empty")
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "h2", "ws":
		return true
	default:
		return false
	}
}

// validateListener validates a listener configuration, considering global TLS settings.
func (c *Config) validateListener(l ListenerConfig, index int) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, h2, or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if (l.Transport == "h2" || l.Transport == "ws") && l.Path == "" {
		return fmt.Errorf("path is required for %s transport", l.Transport)
	}
	if l.PlainText {
		if l.Transport != "ws" {
			return fmt.Errorf("plaintext mode is only supported for ws transport (for reverse proxy scenarios)")
		}
		return nil
	}

	hasCert := l.TLS.HasCert() || c.TLS.HasCert()
	hasKey := l.TLS.HasKey() || c.TLS.HasKey()
	if !hasCert || !hasKey {
		return fmt.Errorf("tls certificate and key are required (specify in global tls section or per-listener)")
	}

	enableMTLS := c.TLS.MTLS
	if l.TLS.MTLS != nil {
		enableMTLS = *l.TLS.MTLS
	}

	if enableMTLS && !c.TLS.HasCA() {
		return fmt.Errorf("global tls.ca is required when mTLS is enabled")
	}

	return nil
}

// validatePeer validates a peer configuration, considering global TLS settings.
func (c *Config) validatePeer(p PeerConfig, index int) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !isValidTransport(p.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, h2, or ws)", p.Transport)
	}
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}

	if p.TLS.HasCert() != p.TLS.HasKey() {
		return fmt.Errorf("tls cert and key must both be specified or both be empty")
	}

	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}

	for i := range redacted.Peers {
		if redacted.Peers[i].ProxyAuth.Password != "" {
			redacted.Peers[i].ProxyAuth.Password = redactedValue
		}
		if redacted.Peers[i].TLS.Key != "" {
			redacted.Peers[i].TLS.Key = redactedValue
		}
		if redacted.Peers[i].TLS.KeyPEM != "" {
			redacted.Peers[i].TLS.KeyPEM = redactedValue
		}
	}

	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
		if redacted.Listeners[i].TLS.KeyPEM != "" {
			redacted.Listeners[i].TLS.KeyPEM = redactedValue
		}
	}

	if redacted.Alerts.Webhook.HMACSecret != "" {
		redacted.Alerts.Webhook.HMACSecret = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, p := range c.Peers {
		if p.ProxyAuth.Password != "" {
			return true
		}
	}
	if c.Alerts.Webhook.HMACSecret != "" {
		return true
	}
	return false
}

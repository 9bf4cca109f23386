package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration. It is resolved once at startup
// with precedence defaults < file < env < flags and is read-only afterward.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	BackendURL            string        `yaml:"backend_url"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	DefaultModel          string        `yaml:"default_model"`

	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`
	ConfigFile     string   `yaml:"-"`

	DNSRegister     bool   `yaml:"dns_register_on_startup"`
	DNSAPIURL       string `yaml:"dns_api_url"`
	DNSServiceName  string `yaml:"dns_service_name"`
	DNSDomainBase   string `yaml:"dns_domain_base"`
	DNSTargetDevice string `yaml:"dns_target_device"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.BackendURL == "" {
		c.BackendURL = "http://127.0.0.1:8080"
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 4
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 300 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-oss-20b"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DNSAPIURL == "" {
		c.DNSAPIURL = "https://dns.internal.jerkytreats.dev"
	}
	if c.DNSServiceName == "" {
		c.DNSServiceName = "chat"
	}
	if c.DNSDomainBase == "" {
		c.DNSDomainBase = "internal.jerkytreats.dev"
	}
	if c.DNSTargetDevice == "" {
		c.DNSTargetDevice = "leviathan"
	}
}

// ApplyEnv overlays LMSERVER_* environment variables onto the current values.
func (c *Config) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("HOST", ""); v != "" {
		c.Host = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("BACKEND_URL", getEnv("LLAMA_SERVER_URL", "")); v != "" {
		c.BackendURL = strings.TrimSuffix(v, "/")
	}
	if v := getEnv("MAX_CONCURRENT_REQUESTS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentRequests = n
		}
	}
	if v := getEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := getEnv("DEFAULT_MODEL", ""); v != "" {
		c.DefaultModel = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("DNS_REGISTER_ON_STARTUP", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DNSRegister = b
		}
	}
	if v := getEnv("DNS_API_URL", ""); v != "" {
		c.DNSAPIURL = v
	}
	if v := getEnv("DNS_SERVICE_NAME", ""); v != "" {
		c.DNSServiceName = v
	}
	if v := getEnv("DNS_DOMAIN_BASE", ""); v != "" {
		c.DNSDomainBase = v
	}
	if v := getEnv("DNS_TARGET_DEVICE", ""); v != "" {
		c.DNSTargetDevice = v
	}
}

// LoadFile populates the config from a YAML file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults so main can call flag.Parse().
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "gateway config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.Host, "host", c.Host, "host to bind the API server")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.BackendURL, "backend-url", c.BackendURL, "base URL of the llama-server backend")
	flag.IntVar(&c.MaxConcurrentRequests, "max-concurrent-requests", c.MaxConcurrentRequests, "maximum concurrent inference requests forwarded to the backend")
	flag.Func("request-timeout", "inference request timeout in seconds", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	flag.StringVar(&c.DefaultModel, "default-model", c.DefaultModel, "default model name reported in API responses")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	flag.BoolVar(&c.DNSRegister, "dns-register", c.DNSRegister, "register with the DNS API server on startup")
	flag.StringVar(&c.DNSAPIURL, "dns-api-url", c.DNSAPIURL, "custom DNS API server URL")
	flag.StringVar(&c.DNSServiceName, "dns-service-name", c.DNSServiceName, "service name for DNS registration")
	flag.StringVar(&c.DNSDomainBase, "dns-domain-base", c.DNSDomainBase, "base domain for DNS registration")
	flag.StringVar(&c.DNSTargetDevice, "dns-target-device", c.DNSTargetDevice, "tailscale device name where the service runs")
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// getEnv looks up an LMSERVER_-prefixed variable, falling back to the bare
// name and then the default.
func getEnv(k, d string) string {
	if v := os.Getenv("LMSERVER_" + k); v != "" {
		return v
	}
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// Package config loads hostd's runtime configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvEnablePairing      = "HOSTD_ENABLE_PAIRING"
	EnvFreshState         = "HOSTD_FRESH_STATE"
	EnvPINStdin           = "HOSTD_PIN_STDIN"
	EnvCertFile           = "HOSTD_CERT_FILE"
	EnvKeyFile            = "HOSTD_KEY_FILE"
	EnvStateFile          = "HOSTD_STATE_FILE"
	EnvAppsFile           = "HOSTD_APPS_FILE"
	EnvBindAddress        = "HOSTD_BIND_ADDRESS"
	EnvHTTPPort           = "HOSTD_HTTP_PORT"
	EnvHTTPSPort          = "HOSTD_HTTPS_PORT"
	EnvChannelLimit       = "HOSTD_CHANNEL_LIMIT"
	EnvMandatoryEncryption = "HOSTD_MANDATORY_ENCRYPTION_CIDRS"
	EnvPairingSessionTTLSec = "HOSTD_PAIRING_SESSION_TTL_SEC"
	EnvOTPExpireSec       = "HOSTD_OTP_EXPIRE_SEC"
	EnvLogFile            = "HOSTD_LOG_FILE"
	EnvLogLevel           = "HOSTD_LOG_LEVEL"

	DefaultHTTPPort  = 47989
	DefaultHTTPSPort = 47984
)

// Config holds every setting hostd reads at startup. There is no live
// reload: a changed environment takes effect on the next restart.
type Config struct {
	EnablePairing bool
	FreshState    bool
	PINStdin      bool

	CertFile  string
	KeyFile   string
	StateFile string
	AppsFile  string

	BindAddress string
	HTTPPort    int
	HTTPSPort   int

	ChannelLimit             int
	MandatoryEncryptionCIDRs []string

	PairingSessionTTL time.Duration
	OTPExpireDuration time.Duration

	LogFile  string
	LogLevel string
}

// LoadFromEnv loads and validates the configuration from the environment.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		EnablePairing: boolEnvOrDefault(EnvEnablePairing, true),
		FreshState:    boolEnvOrDefault(EnvFreshState, false),
		PINStdin:      boolEnvOrDefault(EnvPINStdin, false),

		CertFile:  envOrDefault(EnvCertFile, "hostd.crt"),
		KeyFile:   envOrDefault(EnvKeyFile, "hostd.key"),
		StateFile: envOrDefault(EnvStateFile, "clients.json"),
		AppsFile:  envOrDefault(EnvAppsFile, "apps.json"),

		BindAddress: envOrDefault(EnvBindAddress, "0.0.0.0"),
		HTTPPort:    intEnvOrDefault(EnvHTTPPort, DefaultHTTPPort),
		HTTPSPort:   intEnvOrDefault(EnvHTTPSPort, DefaultHTTPSPort),

		ChannelLimit:             intEnvOrDefault(EnvChannelLimit, 1),
		MandatoryEncryptionCIDRs: splitEnvOrDefault(EnvMandatoryEncryption, nil),

		PairingSessionTTL: time.Duration(intEnvOrDefault(EnvPairingSessionTTLSec, 300)) * time.Second,
		OTPExpireDuration: time.Duration(intEnvOrDefault(EnvOTPExpireSec, 300)) * time.Second,

		LogFile:  envOrDefault(EnvLogFile, ""),
		LogLevel: envOrDefault(EnvLogLevel, "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally coherent.
func (c Config) Validate() error {
	if c.CertFile == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvCertFile)
	}
	if c.KeyFile == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvKeyFile)
	}
	if c.StateFile == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvStateFile)
	}
	// Port 0 is allowed: it means "let the OS pick an ephemeral port",
	// which is how tests avoid colliding with a real host's listeners.
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid %s: must be in range 0..65535", EnvHTTPPort)
	}
	if c.HTTPSPort < 0 || c.HTTPSPort > 65535 {
		return fmt.Errorf("invalid %s: must be in range 0..65535", EnvHTTPSPort)
	}
	if c.HTTPPort != 0 && c.HTTPPort == c.HTTPSPort {
		return fmt.Errorf("invalid %s/%s: HTTP and HTTPS ports must differ", EnvHTTPPort, EnvHTTPSPort)
	}
	if c.ChannelLimit < 1 {
		return fmt.Errorf("invalid %s: must be >= 1", EnvChannelLimit)
	}
	if c.PairingSessionTTL < 0 {
		return fmt.Errorf("invalid %s: must be >= 0", EnvPairingSessionTTLSec)
	}
	if c.OTPExpireDuration <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvOTPExpireSec)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnvOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnvOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitEnvOrDefault(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

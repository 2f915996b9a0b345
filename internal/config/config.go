package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string
	JWTSecret   string
	// RedisURL backs the token blacklist; when empty the blacklist is
	// disabled and logout becomes a client-side concern.
	RedisURL string

	// Provider selects the VM backend: fake | ec2.
	Provider            string
	AWSRegion           string
	AWSInstanceType     string
	AWSSubnetID         string
	AWSSecurityGroupIDs []string
	ProviderCallTimeout time.Duration
	ProviderRetryMax    int
	ProviderRetryBase   time.Duration
	ProviderRetryCap    time.Duration

	// Transport selects the tunnel gateway: fake | gateway.
	Transport          string
	GatewayURL         string
	GatewaySharedKey   string
	GatewayCallTimeout time.Duration

	// MFA selects the second-factor verifier: fake | http.
	MFA            string
	MFABaseURL     string
	MFAAPIKey      string
	MFACallTimeout time.Duration

	// Lifecycle timing. Everything that paces a loop or bounds a wait is
	// configuration, not a constant.
	StateCheckTimeout   time.Duration
	ProvisioningTimeout time.Duration
	StartPollInterval   time.Duration
	StartTimeout        time.Duration
	ReconcileInterval   time.Duration
	SweepInterval       time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:  envOrDefault("VDI_LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("VDI_DATABASE_URL"),
		JWTSecret:   os.Getenv("VDI_JWT_SECRET"),
		RedisURL:    os.Getenv("VDI_REDIS_URL"),

		Provider:            envOrDefault("VDI_PROVIDER", "fake"),
		AWSRegion:           envOrDefault("VDI_AWS_REGION", "us-east-1"),
		AWSInstanceType:     envOrDefault("VDI_AWS_INSTANCE_TYPE", "t3.large"),
		AWSSubnetID:         os.Getenv("VDI_AWS_SUBNET_ID"),
		AWSSecurityGroupIDs: splitCSV(os.Getenv("VDI_AWS_SECURITY_GROUP_IDS")),
		ProviderCallTimeout: secondsEnv("VDI_PROVIDER_CALL_TIMEOUT_SECONDS", 30),
		ProviderRetryMax:    ParsePositiveIntEnv("VDI_PROVIDER_RETRY_ATTEMPTS", 4),
		ProviderRetryBase:   millisEnv("VDI_PROVIDER_RETRY_BASE_MS", 250),
		ProviderRetryCap:    millisEnv("VDI_PROVIDER_RETRY_MAX_MS", 2000),

		Transport:          envOrDefault("VDI_TRANSPORT", "fake"),
		GatewayURL:         os.Getenv("VDI_GATEWAY_URL"),
		GatewaySharedKey:   os.Getenv("VDI_GATEWAY_SHARED_KEY"),
		GatewayCallTimeout: secondsEnv("VDI_GATEWAY_CALL_TIMEOUT_SECONDS", 15),

		MFA:            envOrDefault("VDI_MFA", "fake"),
		MFABaseURL:     os.Getenv("VDI_MFA_BASE_URL"),
		MFAAPIKey:      os.Getenv("VDI_MFA_API_KEY"),
		MFACallTimeout: secondsEnv("VDI_MFA_CALL_TIMEOUT_SECONDS", 10),

		StateCheckTimeout:   secondsEnv("VDI_STATE_CHECK_TIMEOUT_SECONDS", 10),
		ProvisioningTimeout: secondsEnv("VDI_PROVISIONING_TIMEOUT_SECONDS", 600),
		StartPollInterval:   secondsEnv("VDI_START_POLL_INTERVAL_SECONDS", 5),
		StartTimeout:        secondsEnv("VDI_START_TIMEOUT_SECONDS", 120),
		ReconcileInterval:   secondsEnv("VDI_RECONCILE_INTERVAL_SECONDS", 60),
		SweepInterval:       secondsEnv("VDI_SWEEP_INTERVAL_SECONDS", 300),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("VDI_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("VDI_JWT_SECRET is required")
	}
	if cfg.Provider != "fake" && cfg.Provider != "ec2" {
		return Config{}, fmt.Errorf("VDI_PROVIDER must be one of fake|ec2")
	}
	if cfg.Provider == "ec2" && cfg.AWSSubnetID == "" {
		return Config{}, fmt.Errorf("VDI_AWS_SUBNET_ID is required for ec2 provider")
	}
	if cfg.Transport != "fake" && cfg.Transport != "gateway" {
		return Config{}, fmt.Errorf("VDI_TRANSPORT must be one of fake|gateway")
	}
	if cfg.Transport == "gateway" && cfg.GatewayURL == "" {
		return Config{}, fmt.Errorf("VDI_GATEWAY_URL is required for gateway transport")
	}
	if cfg.MFA != "fake" && cfg.MFA != "http" {
		return Config{}, fmt.Errorf("VDI_MFA must be one of fake|http")
	}
	if cfg.MFA == "http" && cfg.MFABaseURL == "" {
		return Config{}, fmt.Errorf("VDI_MFA_BASE_URL is required for http mfa")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func secondsEnv(k string, d int) time.Duration {
	return time.Duration(ParsePositiveIntEnv(k, d)) * time.Second
}

func millisEnv(k string, d int) time.Duration {
	return time.Duration(ParsePositiveIntEnv(k, d)) * time.Millisecond
}

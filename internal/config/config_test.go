package config

import "testing"

func TestSocketPath(t *testing.T) {
	path, ok := SocketPath("unix:path=/run/broker/broker.socket")
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if path != "/run/broker/broker.socket" {
		t.Fatalf("unexpected path: %s", path)
	}

	if _, ok := SocketPath("pipe:name=broker"); ok {
		t.Fatalf("expected ok=false for a pipe address")
	}
}

func TestValidateRequiresDSNOutsideTestMode(t *testing.T) {
	cfg := &Config{Env: Development, AdminPort: 8090, OpsPort: 8091, MetricsPort: 9090}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when DSN is empty and not in test mode")
	}

	cfg.TestMode = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error in test mode: %v", err)
	}
}

func TestValidateRejectsPrivilegedPorts(t *testing.T) {
	cfg := &Config{Env: Development, TestMode: true, AdminPort: 80, OpsPort: 8091, MetricsPort: 9090}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a privileged port")
	}
}

func TestValidateRequiresJWTSecretInProduction(t *testing.T) {
	cfg := &Config{Env: Production, TestMode: true, AdminPort: 8090, OpsPort: 8091, MetricsPort: 9090}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when BROKER_SESSION_JWT_SECRET is unset in production")
	}
}

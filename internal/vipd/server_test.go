package vipd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_LoadConfigError(t *testing.T) {
	t.Setenv("VIPD_API_KEY", "")
	t.Setenv("VIPD_ADMIN_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("VOTE_WEBHOOK_SECRET", "")

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "load config:") {
		t.Fatalf("Run() error = %q, want load config prefix", err)
	}
}

func TestRun_CreateDataDirError(t *testing.T) {
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "not-a-directory")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile(%q): %v", filePath, err)
	}
	setRequiredEnv(t, filePath)

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "create db dir:") {
		t.Fatalf("Run() error = %q, want create db dir prefix", err)
	}
}

func TestRun_MissingTierCatalog(t *testing.T) {
	setRequiredEnv(t, t.TempDir())

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "load tier catalog:") {
		t.Fatalf("Run() error = %q, want tier catalog error", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	setRequiredEnv(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "tiers.yaml"), []byte(testTiers), 0o600); err != nil {
		t.Fatalf("write tiers: %v", err)
	}
	port := freePort(t)
	t.Setenv("VIPD_BIND_ADDRESS", "127.0.0.1")
	t.Setenv("VIPD_PORT", fmt.Sprint(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, "test-version") }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(35 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

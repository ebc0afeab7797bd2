//go:build !windows

package platform

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/dalfonso89/resilient-rpc/internal/testutils"
)

func TestNewShutdownContext_SIGTERM(t *testing.T) {
	ctx, cancel := NewShutdownContext(context.Background(), testutils.QuietLogger())
	defer cancel()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("failed to signal self: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("NewShutdownContext() was not canceled by SIGTERM")
	}
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halvorsen/tokenbroker/internal/config"
)

func TestWatcher_DetectsPricingOverlayChange(t *testing.T) {
	homeDir := t.TempDir()

	pricingPath := filepath.Join(homeDir, "pricing.yaml")
	if err := os.WriteFile(pricingPath, []byte("models: {}"), 0o644); err != nil {
		t.Fatalf("write initial pricing.yaml: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(pricingPath, []byte("models: {updated: true}"), 0o644); err != nil {
		t.Fatalf("write updated pricing.yaml: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "pricing.yaml" {
				t.Fatalf("expected pricing.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(pricingPath, []byte("models: {updated: true}"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for pricing.yaml change event")
		}
	}
}

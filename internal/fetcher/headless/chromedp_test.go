package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	snap, err := NewChromedp(Config{MaxParallel: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer snap.Close()
	if cap(snap.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(snap.limiter))
	}
	if snap.cfg.ViewportWidth != 1280 || snap.cfg.ViewportHeight != 900 {
		t.Fatalf("unexpected viewport defaults: %+v", snap.cfg)
	}
}

func TestSnapshotterNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	snap := &Snapshotter{}
	if got := snap.navTimeout(); got != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	snap.cfg.NavigationTimeout = time.Second
	if got := snap.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	snap := &Snapshotter{limiter: make(chan struct{}, 1)}
	if err := snap.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := snap.acquire(ctx); err == nil {
		t.Fatal("expected canceled acquire to fail while slot is held")
	}
	snap.release()
	if err := snap.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "Referer": {"https://x.com/"}, "Empty": nil})
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		if len(v) != 2 {
			t.Fatalf("expected two entries, got %v", v)
		}
	default:
		t.Fatalf("expected []string, got %T", v)
	}
	if netHeaders["Referer"] != "https://x.com/" {
		t.Fatalf("expected single value string, got %v", netHeaders["Referer"])
	}
	if _, ok := netHeaders["Empty"]; ok {
		t.Fatal("expected empty header to be dropped")
	}
}

func TestDocumentStatusIgnoresSubresources(t *testing.T) {
	t.Parallel()

	meta := &documentStatus{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	if meta.get() != 0 {
		t.Fatalf("expected subresource to be ignored, got %d", meta.get())
	}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 410},
	})
	if meta.get() != 410 {
		t.Fatalf("expected document status, got %d", meta.get())
	}
	meta.captureEvent("unrelated")
	if meta.get() != 410 {
		t.Fatalf("unexpected status change: %d", meta.get())
	}
}

package appconfig

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
scripts: []
`)
	reloaded := make(chan Config, 4)
	w, err := Watch(context.Background(), path, func(cfg Config, err error) {
		if err != nil {
			return
		}
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	update := "config_version: 1\nscripts:\n  - name: added\n    script_path: /bin/true\n"
	if err := os.WriteFile(path, []byte(update), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-reloaded:
		if len(cfg.Scripts) != 1 || cfg.Scripts[0].Name != "added" {
			t.Fatalf("unexpected reloaded scripts %+v", cfg.Scripts)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
}

func TestWatchCloseIsIdempotent(t *testing.T) {
	path := writeConfig(t, "config_version: 1\n")
	w, err := Watch(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

package appconfig

import (
	"testing"

	"pkt.systems/termscript/schema"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("expected version %d, got %d", CurrentConfigVersion, cfg.ConfigVersion)
	}
	if cfg.Session.OutputMaxLines != schema.DefaultOutputMaxLines {
		t.Fatalf("unexpected output_max_lines %d", cfg.Session.OutputMaxLines)
	}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if len(cfg.Scripts) != 1 || cfg.Scripts[0].Enabled {
		t.Fatalf("expected one disabled example script, got %+v", cfg.Scripts)
	}
}

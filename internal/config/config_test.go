package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.CDPURL() != "http://127.0.0.1:9220" {
		t.Fatalf("CDPURL() = %q", cfg.CDPURL())
	}
	if cfg.EngineExpr != "window.stxx" || cfg.BindingName != "__tvAttribDataset" {
		t.Fatalf("page integration = %q, %q", cfg.EngineExpr, cfg.BindingName)
	}
	if cfg.Teardown {
		t.Fatal("teardown should default off")
	}
	if len(cfg.PortCandidates) != 4 || cfg.PortCandidates[0] != 8190 {
		t.Fatalf("PortCandidates = %v", cfg.PortCandidates)
	}
	if cfg.BindHost() != "127.0.0.1" {
		t.Fatalf("BindHost() = %q", cfg.BindHost())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("ATTRIB_EVAL_TIMEOUT_MS", "10")
	t.Setenv("ATTRIB_TEARDOWN", "true")
	t.Setenv("ATTRIB_LOG_LEVEL", "DEBUG")
	t.Setenv("ATTRIB_PORT_CANDIDATES", "9000, 9001,")
	t.Setenv("ATTRIB_AUTO_ATTACH", "not-a-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.CDPPort != 9333 {
		t.Fatalf("CDPPort = %d", cfg.CDPPort)
	}
	if cfg.EvalTimeoutMS != 1000 {
		t.Fatalf("EvalTimeoutMS = %d; want clamp to 1000", cfg.EvalTimeoutMS)
	}
	if !cfg.Teardown || cfg.LogLevel != "debug" {
		t.Fatalf("teardown=%v level=%q", cfg.Teardown, cfg.LogLevel)
	}
	if !cfg.AutoAttach {
		t.Fatal("unparseable bool should keep the default")
	}
	if len(cfg.PortCandidates) != 2 || cfg.PortCandidates[1] != 9001 {
		t.Fatalf("PortCandidates = %v", cfg.PortCandidates)
	}
}

func TestLoadRejectsBadPorts(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ATTRIB_PORT_CANDIDATES", "8190,http")
	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil; want error")
	}
}

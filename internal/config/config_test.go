package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routerd.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
bgp:
  local_as: 65000
  router_id: 10.0.0.1
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPListen != ":8080" {
		t.Errorf("default http_listen = %q", cfg.Service.HTTPListen)
	}
	if cfg.BGP.DefaultLocalPref != 100 {
		t.Errorf("default local pref = %d", cfg.BGP.DefaultLocalPref)
	}
	if cfg.BGP.Damping.Cutoff != 3000 || cfg.BGP.Damping.Reuse != 750 {
		t.Errorf("damping defaults = %+v", cfg.BGP.Damping)
	}
	if !cfg.BGP.Listen {
		t.Error("listen must default on")
	}
}

func TestLoad_PeerValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
bgp:
  local_as: 65000
  router_id: 10.0.0.1
  peers:
    upstream:
      address: not-an-ip
      as: 65001
`))
	if err == nil {
		t.Fatal("expected error for bad peer address")
	}

	_, err = Load(writeConfig(t, `
bgp:
  local_as: 65000
  router_id: 10.0.0.1
  peers:
    upstream:
      address: 10.0.0.2
      as: 65001
      hold_time_seconds: 2
`))
	if err == nil {
		t.Fatal("expected error for hold time below 3")
	}
}

func TestLoad_RouterIDValidation(t *testing.T) {
	for _, id := range []string{"", "2001:db8::1", "224.0.0.1", "0.0.0.0"} {
		_, err := Load(writeConfig(t, `
bgp:
  local_as: 65000
  router_id: "`+id+`"
`))
		if err == nil {
			t.Errorf("router_id %q must be rejected", id)
		}
	}
}

func TestLoad_DampingValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
bgp:
  local_as: 65000
  router_id: 10.0.0.1
  damping:
    enabled: true
    half_life_minutes: 15
    reuse: 3000
    cutoff: 750
`))
	if err == nil {
		t.Fatal("cutoff below reuse must be rejected")
	}
}

func TestLoad_FeedRequiresBrokers(t *testing.T) {
	_, err := Load(writeConfig(t, `
bgp:
  local_as: 65000
  router_id: 10.0.0.1
feed:
  enabled: true
`))
	if err == nil {
		t.Fatal("enabled feed without brokers must be rejected")
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("ROUTERD_BGP__LOCAL_AS", "65099")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BGP.LocalAS != 65099 {
		t.Errorf("env overlay ignored: local_as = %d", cfg.BGP.LocalAS)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	if _, err := Load(writeConfig(t, "service:\n  log_level: info\n")); err == nil {
		t.Fatal("missing bgp.local_as must be rejected")
	}
}

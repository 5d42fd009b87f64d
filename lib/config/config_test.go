package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultsUnmarshal(t *testing.T) {
	viper.Reset()
	SetDefaults()
	viper.Set("server.data_path", "/tmp/relay")

	if err := RefreshConfig(); err != nil {
		t.Fatalf("RefreshConfig() error = %v", err)
	}

	cfg, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}

	if cfg.Filters.MaxLimit != 1000 || cfg.Filters.DefaultLimit != 100 {
		t.Errorf("unexpected limit defaults: %+v", cfg.Filters)
	}
	if cfg.Filters.MaxKinds != 20 || cfg.Filters.MaxTagValueLength != 1024 {
		t.Errorf("unexpected filter bounds: %+v", cfg.Filters)
	}
	if cfg.Events.CreatedAtUpperLimit != 900 {
		t.Errorf("CreatedAtUpperLimit = %d, want 900", cfg.Events.CreatedAtUpperLimit)
	}
	if got := GetSearchPath(); got != "/tmp/relay/search" {
		t.Errorf("GetSearchPath() = %q", got)
	}
	if got := GetListenAddress(); got != "0.0.0.0:9001" {
		t.Errorf("GetListenAddress() = %q", got)
	}
}

func TestUpdateConfigRefreshesCache(t *testing.T) {
	viper.Reset()
	SetDefaults()

	if err := UpdateConfig("events.min_leading_zero_bits", 12, false); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	cfg, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.Events.MinLeadingZeroBits != 12 {
		t.Errorf("MinLeadingZeroBits = %d, want 12", cfg.Events.MinLeadingZeroBits)
	}
}

func TestReloadHooksRun(t *testing.T) {
	calls := 0
	OnReload(func() { calls++ })
	OnReload(func() { calls += 10 })

	runReloadHooks()

	if calls != 11 {
		t.Errorf("calls = %d, want 11", calls)
	}
}

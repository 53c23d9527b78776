package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "on", " True "} {
		assert.True(t, Truthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "2", "enabled"} {
		assert.False(t, Truthy(v), v)
	}
}

func TestSplitUnitList(t *testing.T) {
	assert.Equal(t, []string{"a.service", "b.service"}, SplitUnitList("a.service,b.service"))
	assert.Equal(t, []string{"a.service", "b.service"}, SplitUnitList("a.service\nb.service\n"))
	assert.Equal(t, []string{"a.service"}, SplitUnitList("  a.service , "))
	assert.Nil(t, SplitUnitList(""))
}

func TestLoadProfileDefaults(t *testing.T) {
	t.Setenv("PODUP_PROFILE", "test")
	t.Setenv("PODUP_STATE_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProfileTest, cfg.Profile)
	assert.Equal(t, "sqlite::memory:", cfg.DBURL)
	assert.Empty(t, cfg.DebugPayloadPath)
	assert.Equal(t, DefaultGHPathPrefix, cfg.GHPathPrefix)
	assert.Equal(t, DefaultAutoUpdateUnit, cfg.ManualAutoUpdateUnit)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PODUP_PROFILE", "dev")
	t.Setenv("PODUP_STATE_DIR", t.TempDir())
	t.Setenv("PODUP_MANUAL_UNITS", "svc-a.service,svc-b.service")
	t.Setenv("PODUP_SCHEDULER_INTERVAL_SECS", "30")
	t.Setenv("PODUP_DEV_OPEN_ADMIN", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-a.service", "svc-b.service"}, cfg.ManualUnits)
	assert.False(t, cfg.DevOpenAdmin)

	// interval below the floor is clamped up
	assert.Equal(t, time.Duration(DefaultSchedulerMinFloor)*time.Second, cfg.SchedulerInterval())
}

func TestLoadRejectsUnknownProfile(t *testing.T) {
	t.Setenv("PODUP_PROFILE", "staging")
	_, err := Load()
	assert.Error(t, err)
}

func TestForwardAuthOpen(t *testing.T) {
	cfg := &Config{DevOpenAdmin: true}
	assert.True(t, cfg.ForwardAuthOpen())

	cfg = &Config{FwdAuthHeader: "X-Auth", FwdAuthAdminValue: "admin"}
	assert.False(t, cfg.ForwardAuthOpen())

	cfg = &Config{FwdAuthHeader: "X-Auth"}
	assert.True(t, cfg.ForwardAuthOpen())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	conf, err := Load(writeConfig(t, "env: local\n"))
	require.NoError(t, err)

	r := conf.Referral
	assert.Equal(t, 10*time.Minute, r.RolloverInterval)
	assert.Equal(t, 60*time.Second, r.GrantInterval)
	assert.Equal(t, 25, r.GrantBatch)
	assert.Equal(t, 5, r.GrantMaxAttempts)
	assert.Equal(t, 10, r.TopN)
	assert.Equal(t, "Europe/Warsaw", r.TimeZone)
	assert.Equal(t, 5, r.PayoutUnit)
	assert.Equal(t, "USD", r.Currency)
	assert.Equal(t, 10*time.Second, r.CallTimeout)
	assert.Equal(t, "8080", conf.Listen.Port)
	assert.False(t, conf.Mongo.Enabled)
	assert.Equal(t, []int{5}, conf.OpenCart.CompleteStatuses)
}

func TestLoad_Values(t *testing.T) {
	conf, err := Load(writeConfig(t, `
env: prod
telegram:
  enabled: true
  api_key: "123:abc"
  group_ids: [-1001, -1002]
  admin_ids: [42]
referral:
  rollover_interval: 5m
  top_n: 40
  time_zone: UTC
  payout_unit: 3
`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, conf.Referral.RolloverInterval)
	assert.Equal(t, 25, conf.Referral.TopN, "top_n is clamped")
	assert.Equal(t, 3, conf.Referral.PayoutUnit)
	assert.Equal(t, []int64{-1001, -1002}, conf.Telegram.GroupIDs)
	assert.Equal(t, int64(-1001), conf.Telegram.ResultsChatID)
	assert.Equal(t, []int64{42}, conf.Telegram.AdminIDs)
}

func TestNormalize(t *testing.T) {
	conf := &Config{Env: "dev", Referral: Referral{TopN: 1, TimeZone: "UTC", GrantBatch: -1}}
	require.NoError(t, conf.Normalize())
	assert.Equal(t, 3, conf.Referral.TopN)
	assert.Equal(t, 25, conf.Referral.GrantBatch)

	conf = &Config{Env: "dev", Referral: Referral{TimeZone: "Nowhere/Special"}}
	assert.Error(t, conf.Normalize())

	conf = &Config{Env: "staging"}
	assert.Error(t, conf.Normalize())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

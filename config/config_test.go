/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testServerConfig struct {
	Address string
	Timeout time.Duration
}

func (c *testServerConfig) KeyPrefix() string { return "server" }

func (c *testServerConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("address", ":8080")
	dp.SetDefault("timeout", "5s")
}

func (c *testServerConfig) Set(dp DataProvider) error {
	var err error
	if c.Address, err = dp.GetString("address"); err != nil {
		return err
	}
	c.Timeout, err = dp.GetDuration("timeout")
	return err
}

type testLimitsConfig struct {
	Scopes  []string
	MaxSize ByteSize
	Policy  string
}

func (c *testLimitsConfig) SetProviderDefaults(_ DataProvider) {}

func (c *testLimitsConfig) Set(dp DataProvider) error {
	var err error
	if c.Scopes, err = dp.GetStringSlice("limits.scopes"); err != nil {
		return err
	}
	if c.MaxSize, err = dp.GetByteSize("limits.maxSize"); err != nil {
		return err
	}
	c.Policy, err = dp.GetStringFromSet("limits.policy", []string{"open", "closed"}, true)
	return err
}

func TestLoader_LoadFromReader(t *testing.T) {
	t.Run("defaults are used for missing keys", func(t *testing.T) {
		srvCfg := &testServerConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(`{}`), DataTypeJSON, srvCfg)
		require.NoError(t, err)
		require.Equal(t, ":8080", srvCfg.Address)
		require.Equal(t, 5*time.Second, srvCfg.Timeout)
	})

	t.Run("values are read with key prefix", func(t *testing.T) {
		srvCfg := &testServerConfig{}
		limitsCfg := &testLimitsConfig{}
		yamlData := `
server:
  address: ":9090"
  timeout: 1m
limits:
  scopes: [user, ip]
  maxSize: 10M
  policy: Open
`
		err := NewLoader(NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString(yamlData), DataTypeYAML, srvCfg, limitsCfg)
		require.NoError(t, err)
		require.Equal(t, ":9090", srvCfg.Address)
		require.Equal(t, time.Minute, srvCfg.Timeout)
		require.Equal(t, []string{"user", "ip"}, limitsCfg.Scopes)
		require.Equal(t, ByteSize(10*1024*1024), limitsCfg.MaxSize)
		require.Equal(t, "Open", limitsCfg.Policy)
	})

	t.Run("value out of set", func(t *testing.T) {
		err := NewLoader(NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString(`{"limits":{"policy":"maybe"}}`), DataTypeJSON, &testLimitsConfig{})
		require.EqualError(t, err, `limits.policy: unknown value "maybe", should be one of [open closed]`)
	})
}

func TestLoader_EnvVars(t *testing.T) {
	require.NoError(t, os.Setenv("RLTEST_SERVER_ADDRESS", ":7070"))
	defer func() { _ = os.Unsetenv("RLTEST_SERVER_ADDRESS") }()

	srvCfg := &testServerConfig{}
	err := NewDefaultLoader("RLTEST").LoadFromReader(bytes.NewBufferString(`{"server":{"address":":1"}}`), DataTypeJSON, srvCfg)
	require.NoError(t, err)
	require.Equal(t, ":7070", srvCfg.Address)
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "1K", want: 1024},
		{in: "250M", want: 250 * 1024 * 1024},
		{in: "1Gi", want: 1024 * 1024 * 1024},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTimeDuration_UnmarshalText(t *testing.T) {
	var d TimeDuration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	require.Equal(t, TimeDuration(90*time.Minute), d)
	require.NoError(t, d.UnmarshalText([]byte("1000")))
	require.Equal(t, TimeDuration(1000), d)
	require.Error(t, d.UnmarshalText([]byte("-5")))
}

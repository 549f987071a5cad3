/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimiter/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    *Config
		wantErr string
	}{
		{
			name: "defaults",
			yaml: `{}`,
			want: NewDefaultConfig(),
		},
		{
			name: "text format, debug level, file output",
			yaml: `
log:
  level: DEBUG
  format: text
  output: file
  file:
    path: /var/log/ratelimiter.log
    rotation:
      maxSize: 10M
      maxBackups: 3
`,
			want: &Config{
				keyPrefix: cfgDefaultKeyPrefix,
				Level:     LevelDebug,
				Format:    FormatText,
				Output:    OutputFile,
				File: FileOutputConfig{
					Path:     "/var/log/ratelimiter.log",
					Rotation: FileRotationConfig{MaxSize: 10 * 1024 * 1024, MaxBackups: 3},
				},
			},
		},
		{
			name:    "file output without path",
			yaml:    "log:\n  output: file\n",
			wantErr: `log.file.path: cannot be empty when "file" output is used`,
		},
		{
			name:    "unknown level",
			yaml:    "log:\n  level: verbose\n",
			wantErr: `log.level: unknown value "verbose", should be one of [error warn info debug]`,
		},
		{
			name:    "too small rotation size",
			yaml:    "log:\n  file:\n    rotation:\n      maxSize: 1K\n",
			wantErr: `log.file.rotation.maxSize: should be >= 1M`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
				bytes.NewBufferString(tt.yaml), config.DataTypeYAML, cfg)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, cfg)
		})
	}
}

package npurt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-npurt/internal/constants"
)

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "npu.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxStreamDepth: 256\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	want := DefaultConfig()
	want.MaxStreamDepth = 256
	assert.Equal(t, want, cfg)
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("maxStreamDepth: [1, 2]\n"), 0o644))
	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("queueDepth: 4\n"), 0o644))

	for _, path := range []string{filepath.Join(dir, "missing.yaml"), bad, unknown} {
		_, err := LoadConfig(path)
		assert.ErrorIs(t, err, ErrConfigInvalid, path)
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name  string
		in    Config
		want  Config
		notes int
	}{
		{
			name:  "defaults untouched",
			in:    DefaultConfig(),
			want:  DefaultConfig(),
			notes: 0,
		},
		{
			name: "zero values take defaults",
			in:   Config{},
			want: DefaultConfig(),
			// every zero numeric field is reported
			notes: 4,
		},
		{
			name: "out of range clamped",
			in: Config{
				Version:                   "x",
				MaxStreamNum:              HardMaxStreamNum + 1,
				MaxStreamDepth:            HardMaxStreamDepth + 1,
				TimeoutMonitorGranularity: time.Microsecond,
				DefaultTaskExeTimeout:     time.Minute,
			},
			want: Config{
				Version:                   "x",
				MaxStreamNum:              HardMaxStreamNum,
				MaxStreamDepth:            HardMaxStreamDepth,
				TimeoutMonitorGranularity: time.Millisecond,
				DefaultTaskExeTimeout:     time.Minute,
			},
			notes: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, notes := tt.in.normalize()
			assert.Equal(t, tt.want, got)
			assert.Len(t, notes, tt.notes)
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	var nilOpts *Options
	o := nilOpts.withDefaults()
	assert.IsType(t, SqeEncoder{}, o.Encoder)
	assert.Equal(t, constants.DefaultArgItemSize, o.ArgItemSize)
	assert.Positive(t, o.CompletionBatch)
	assert.Positive(t, o.LongWaitInterval)

	custom := (&Options{CompletionBatch: 3}).withDefaults()
	assert.Equal(t, 3, custom.CompletionBatch)
}

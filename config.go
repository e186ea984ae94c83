package npurt

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-npurt/internal/config"
	"github.com/ehrlich-b/go-npurt/internal/constants"
)

// Config is the device configuration read at Init
type Config struct {
	Version                   string
	MaxStreamNum              int           // streams per device
	MaxStreamDepth            int           // task slots per stream
	TimeoutMonitorGranularity time.Duration // reconciler poll interval
	DefaultTaskExeTimeout     time.Duration // bound on draining a stream at teardown
}

// DefaultConfig returns the default device configuration
func DefaultConfig() Config {
	return Config{
		Version:                   constants.DefaultConfigVersion,
		MaxStreamNum:              constants.DefaultMaxStreamNum,
		MaxStreamDepth:            constants.DefaultMaxStreamDepth,
		TimeoutMonitorGranularity: constants.DefaultTimeoutMonitorGranularity,
		DefaultTaskExeTimeout:     constants.DefaultTaskExeTimeout,
	}
}

// LoadConfig reads a YAML configuration source. A missing, unreadable or
// malformed source is ConfigInvalid. Keys absent from the source keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	f, err := config.Load(path)
	if err != nil {
		e := NewError("LOAD_CONFIG", ErrCodeConfigInvalid, err.Error())
		e.Inner = err
		return Config{}, e
	}

	cfg := DefaultConfig()
	if f.Version != "" {
		cfg.Version = f.Version
	}
	if f.MaxStreamNum != 0 {
		cfg.MaxStreamNum = f.MaxStreamNum
	}
	if f.MaxStreamDepth != 0 {
		cfg.MaxStreamDepth = f.MaxStreamDepth
	}
	if f.TimeoutMonitorGranularity != 0 {
		cfg.TimeoutMonitorGranularity = f.Granularity()
	}
	if f.DefaultTaskExeTimeout != 0 {
		cfg.DefaultTaskExeTimeout = f.TaskTimeout()
	}
	return cfg, nil
}

// normalize clamps out-of-range values and returns a note per adjustment
func (c Config) normalize() (Config, []string) {
	var notes []string
	clampInt := func(name string, v *int, def, lo, hi int) {
		orig := *v
		switch {
		case *v <= 0:
			*v = def
		case *v < lo:
			*v = lo
		case *v > hi:
			*v = hi
		}
		if *v != orig {
			notes = append(notes, fmt.Sprintf("%s %d clamped to %d", name, orig, *v))
		}
	}
	clampDur := func(name string, v *time.Duration, def, lo, hi time.Duration) {
		orig := *v
		switch {
		case *v <= 0:
			*v = def
		case *v < lo:
			*v = lo
		case hi > 0 && *v > hi:
			*v = hi
		}
		if *v != orig {
			notes = append(notes, fmt.Sprintf("%s %v clamped to %v", name, orig, *v))
		}
	}

	if c.Version == "" {
		c.Version = constants.DefaultConfigVersion
	}
	clampInt("maxStreamNum", &c.MaxStreamNum,
		constants.DefaultMaxStreamNum, 1, constants.HardMaxStreamNum)
	clampInt("maxStreamDepth", &c.MaxStreamDepth,
		constants.DefaultMaxStreamDepth, constants.MinStreamDepth, constants.HardMaxStreamDepth)
	clampDur("timeoutMonitorGranularity", &c.TimeoutMonitorGranularity,
		constants.DefaultTimeoutMonitorGranularity,
		constants.MinTimeoutMonitorGranularity, constants.MaxTimeoutMonitorGranularity)
	clampDur("defaultTaskExeTimeout", &c.DefaultTaskExeTimeout,
		constants.DefaultTaskExeTimeout, time.Millisecond, 0)
	return c, notes
}

// Options contains additional options for device creation
type Options struct {
	// Observer for metrics collection (if nil, records into the device's Metrics)
	Observer Observer

	// Encoder builds hardware commands (if nil, uses SqeEncoder)
	Encoder CommandEncoder

	// Argument pool sizing
	ArgItemSize       int
	ArgPoolItems      int
	ArgAcquireTimeout time.Duration

	// LongWaitInterval is how often a blocked Synchronize reports that it is still waiting
	LongWaitInterval time.Duration

	// SyncPollInterval is the sleep a polling Synchronize takes between spin rounds
	SyncPollInterval time.Duration

	// CompletionBatch is the maximum completion records drained per backend call
	CompletionBatch int
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Encoder == nil {
		out.Encoder = SqeEncoder{}
	}
	if out.ArgItemSize <= 0 {
		out.ArgItemSize = constants.DefaultArgItemSize
	}
	if out.ArgPoolItems <= 0 {
		out.ArgPoolItems = constants.DefaultArgPoolItems
	}
	if out.ArgAcquireTimeout <= 0 {
		out.ArgAcquireTimeout = constants.DefaultArgAcquireTimeout
	}
	if out.LongWaitInterval <= 0 {
		out.LongWaitInterval = constants.DefaultLongWaitInterval
	}
	if out.SyncPollInterval <= 0 {
		out.SyncPollInterval = constants.DefaultSyncPollInterval
	}
	if out.CompletionBatch <= 0 {
		out.CompletionBatch = constants.DefaultCompletionBatch
	}
	return out
}

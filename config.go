package mantis

// Config is the engine's configuration, assembled once from CLI flags
// at startup. SecondCount and PRNGCount have room here for the
// calibration constants, but nothing in this package or cmd/mantisd
// fills them in; the calibrated second_count reaches workers through
// Engine.SecondCount instead.
type Config struct {
	LogFile    string
	DebugLevel int // 0..7

	LoadCalibPath string
	SaveCalibPath string

	TraceFile          string
	TraceHasTimestamps bool

	RunCalibrationTrials int // 0 = skip, use LoadCalibPath instead
	DebugLockOrder       bool
	ExitAfterCalibration bool

	SecondCount uint64
	PRNGCount   uint64
}

// DefaultConfig returns the default configuration: DebugLevel at its
// least-verbose setting and RunCalibrationTrials at DefaultTrials.
func DefaultConfig() Config {
	return Config{DebugLevel: 0, RunCalibrationTrials: DefaultTrials}
}

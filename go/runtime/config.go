// Package runtime holds the process-level configuration surface of
// paperflow and the service wiring that turns a parsed Config into the
// running pipeline stack. Library packages stay flag-free; only this
// package and cmd/paperflow know about go-flags.
package runtime

import (
	"fmt"
	"time"
)

// ModelConfig tunes the OCR engine subprocess and its gateway.
type ModelConfig struct {
	EngineCmd  string `long:"engine-cmd" env:"ENGINE_CMD" description:"Command line launching the OCR engine subprocess. Empty selects the built-in fake engine."`
	Device     string `long:"device" env:"DEVICE" description:"Compute device handed to the engine (cpu, cuda, ...). Empty keeps the engine default."`
	GPUID      int    `long:"gpu-id" env:"GPU_ID" default:"0" description:"Accelerator ordinal used when the device is a GPU."`
	LightTable bool   `long:"light-table" env:"LIGHT_TABLE" description:"Ask the engine to load its lighter table-structure model."`
	BatchSize  int    `long:"batch-size" env:"BATCH_SIZE" description:"Pages per OCR engine request. 0 keeps the engine default."`
}

// ExtractConfig tunes the page extraction stage.
type ExtractConfig struct {
	Parallel      bool `long:"parallel" env:"PARALLEL" default:"true" description:"Extract pages on a worker pool. --extract.parallel=false forces one page at a time."`
	Workers       int  `long:"workers" env:"WORKERS" description:"Page worker count. 0 sizes the pool max(2, min(cpu/2, 6))."`
	PrefetchQueue int  `long:"prefetch-queue" env:"PREFETCH_QUEUE" default:"8" description:"Capacity of the decoded-page prefetch queue."`
	PassByArray   bool `long:"pass-by-array" env:"PASS_BY_ARRAY" description:"Send decoded image bytes to the engine instead of file paths."`
	SkipExisting  bool `long:"skip-existing" env:"SKIP_EXISTING" default:"true" description:"Keep page renders and OCR results already present from an earlier run."`
}

// CacheConfig tunes the two-tier OCR result cache.
type CacheConfig struct {
	Memory     bool `long:"memory" env:"MEMORY" default:"true" description:"Enable the in-memory cache tier in front of the disk tier."`
	MemorySize int  `long:"memory-size" env:"MEMORY_SIZE" default:"512" description:"Entry cap of the in-memory tier."`
	Pretty     bool `long:"pretty" env:"PRETTY" description:"Indent cached OCR documents for manual inspection."`
	MaxChars   int  `long:"max-chars" env:"MAX_CHARS" description:"Truncate non-text block content to this many characters. 0 disables truncation."`
}

// OutputConfig tunes composed images and metadata documents.
type OutputConfig struct {
	PNGCompressLevel int    `long:"png-compress-level" env:"PNG_COMPRESS_LEVEL" default:"0" description:"PNG compression: 0 default, -1 none, -2 fastest, -3 best."`
	MetaPretty       bool   `long:"meta-pretty" env:"META_PRETTY" description:"Indent per-page metadata and summary documents."`
	PerfTrace        string `long:"perf-trace" env:"PERF_TRACE" description:"Append performance spans to this JSONL file. Empty disables tracing."`
}

// StoreConfig locates the durable state of the process.
type StoreConfig struct {
	DB        string `long:"db" env:"DB" default:"paperflow.db" description:"Path of the SQLite task database."`
	Artifacts string `long:"artifacts" env:"ARTIFACTS" default:"artifacts" description:"Base directory of the content-addressed artifact store."`
	Workdirs  string `long:"workdirs" env:"WORKDIRS" default:"workdirs" description:"Root directory under which per-task working directories live."`
}

// RunnerConfig tunes pipeline execution and recovery.
type RunnerConfig struct {
	MaxRetries int           `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Attempts per stage before the stage fails."`
	RetryDelay time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"1s" description:"Base delay between stage attempts, doubled per retry with jitter."`
	AutoResume bool          `long:"auto-resume" env:"AUTO_RESUME" default:"true" description:"Enqueue recovered unfinished tasks at serve startup."`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level."`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format."`
}

// Config is the complete configuration of a paperflow process.
type Config struct {
	Model   ModelConfig   `group:"model" namespace:"model" env-namespace:"MODEL"`
	Extract ExtractConfig `group:"extract" namespace:"extract" env-namespace:"EXTRACT"`
	Cache   CacheConfig   `group:"cache" namespace:"cache" env-namespace:"CACHE"`
	Output  OutputConfig  `group:"output" namespace:"output" env-namespace:"OUTPUT"`
	Store   StoreConfig   `group:"store" namespace:"store" env-namespace:"STORE"`
	Runner  RunnerConfig  `group:"runner" namespace:"runner" env-namespace:"RUNNER"`
	Log     LogConfig     `group:"log" namespace:"log" env-namespace:"LOG"`
}

// Validate returns an error on configuration that parses but cannot run.
func (cfg Config) Validate() error {
	if cfg.Store.DB == "" {
		return fmt.Errorf("store.db cannot be empty")
	}
	if cfg.Store.Artifacts == "" {
		return fmt.Errorf("store.artifacts cannot be empty")
	}
	if cfg.Store.Workdirs == "" {
		return fmt.Errorf("store.workdirs cannot be empty")
	}
	if cfg.Extract.Workers < 0 {
		return fmt.Errorf("extract.workers cannot be negative (got %d)", cfg.Extract.Workers)
	}
	if cfg.Extract.PrefetchQueue < 0 {
		return fmt.Errorf("extract.prefetch-queue cannot be negative (got %d)", cfg.Extract.PrefetchQueue)
	}
	if cfg.Cache.Memory && cfg.Cache.MemorySize <= 0 {
		return fmt.Errorf("cache.memory-size must be positive (got %d)", cfg.Cache.MemorySize)
	}
	if lvl := cfg.Output.PNGCompressLevel; lvl > 0 || lvl < -3 {
		return fmt.Errorf("output.png-compress-level must be 0, -1, -2 or -3 (got %d)", lvl)
	}
	if cfg.Runner.MaxRetries < 1 {
		return fmt.Errorf("runner.max-retries must be at least 1 (got %d)", cfg.Runner.MaxRetries)
	}
	if cfg.Runner.RetryDelay <= 0 {
		return fmt.Errorf("runner.retry-delay must be positive (got %s)", cfg.Runner.RetryDelay)
	}
	return nil
}

package config

import "time"

// Config is the root configuration for one engine instance. Multiple
// independent instances may coexist in a process, each with its own Config.
type Config struct {
	Logger  LoggerConfig `yaml:"logger"`
	Storage `yaml:"storage"`
}

type Storage struct {
	DataDir     string            `yaml:"data_dir"`
	Memtable    MemtableConfig    `yaml:"memtable"`
	WAL         WALConfig         `yaml:"wal"`
	Merkle      MerkleConfig      `yaml:"merkle"`
	Flush       FlushConfig       `yaml:"flush"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type MemtableConfig struct {
	// MaxBytes is the hard ceiling on buffered key+value+overhead bytes.
	MaxBytes int64 `yaml:"max_bytes" validate:"required,min=1"`
	// MaxLevel caps the skip-list tower height.
	MaxLevel int `yaml:"max_level" validate:"min=1,max=32"`
}

type WALConfig struct {
	// StrictSync surfaces append/sync failures to the writer. When false,
	// failures are logged and the write proceeds (relaxed durability).
	StrictSync bool `yaml:"strict_sync"`
}

type MerkleConfig struct {
	// IncludeTombstones keeps logically deleted keys in the commitment.
	IncludeTombstones bool `yaml:"include_tombstones"`
}

type FlushConfig struct {
	// DebounceInterval coalesces flush requests arriving within the window.
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	// WaitTimeout bounds a synchronous caller's wait for an in-flight pass.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type PersistenceConfig struct {
	// BloomFPRate is the target false-positive rate for per-run filters.
	BloomFPRate float64 `yaml:"bloom_fp_rate" validate:"gt=0,lt=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Storage: Storage{
			DataDir: "./data",
			Memtable: MemtableConfig{
				MaxBytes: 10 * 1024 * 1024,
				MaxLevel: 16,
			},
			WAL: WALConfig{
				StrictSync: true,
			},
			Merkle: MerkleConfig{
				IncludeTombstones: false,
			},
			Flush: FlushConfig{
				DebounceInterval: 100 * time.Millisecond,
				WaitTimeout:      5 * time.Second,
			},
			Persistence: PersistenceConfig{
				BloomFPRate: 0.01,
			},
		},
	}
}

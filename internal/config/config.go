package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/absfs/arcfs"
	"gopkg.in/yaml.v3"
)

// Argon2 holds the key derivation cost for envelope encryption
type Argon2 struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// Config describes the settings an arcfs.yml file may override
type Config struct {
	Level              int      `yaml:"level"`
	Threads            int      `yaml:"threads"`
	Cipher             string   `yaml:"cipher"`
	ChunkSize          int      `yaml:"chunk_size"`
	Argon2             Argon2   `yaml:"argon2"`
	DefaultExcludes    bool     `yaml:"default_excludes"`
	Excludes           []string `yaml:"excludes"`
	KeepXattrs         bool     `yaml:"keep_xattrs"`
	StripTimestamps    bool     `yaml:"strip_timestamps"`
	FollowSymlinks     bool     `yaml:"follow_symlinks"`
	AllowSymlinkEscape bool     `yaml:"allow_symlink_escape"`
	Overwrite          bool     `yaml:"overwrite"`
}

// Default returns the built-in settings
func Default() Config {
	p := arcfs.DefaultArgon2idParams()
	return Config{
		Cipher:          arcfs.CipherAES256GCM.String(),
		ChunkSize:       arcfs.DefaultChunkSize,
		DefaultExcludes: true,
		Argon2: Argon2{
			MemoryKiB:   p.Memory,
			Iterations:  p.Iterations,
			Parallelism: p.Parallelism,
		},
	}
}

// Load reads YAML config from path. If the file does not exist or is
// empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	def := Default()
	c.Cipher = strings.ToLower(strings.TrimSpace(c.Cipher))
	if c.Cipher == "" {
		c.Cipher = def.Cipher
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.Argon2.MemoryKiB == 0 {
		c.Argon2.MemoryKiB = def.Argon2.MemoryKiB
	}
	if c.Argon2.Iterations == 0 {
		c.Argon2.Iterations = def.Argon2.Iterations
	}
	if c.Argon2.Parallelism == 0 {
		c.Argon2.Parallelism = def.Argon2.Parallelism
	}

	excludes := make([]string, 0, len(c.Excludes))
	for _, e := range c.Excludes {
		if e = strings.TrimSpace(e); e != "" {
			excludes = append(excludes, e)
		}
	}
	c.Excludes = excludes
}

// Validate checks ranges the library would otherwise reject later
func (c Config) Validate() error {
	if c.Level < 0 || c.Level > 22 {
		return fmt.Errorf("invalid level: %d (must be 0-22)", c.Level)
	}
	if err := arcfs.ValidateWorkers(c.Threads); err != nil {
		return fmt.Errorf("invalid threads: %w", err)
	}
	if _, err := arcfs.ParseCipherSuite(c.Cipher); err != nil {
		return fmt.Errorf("invalid cipher: %w", err)
	}
	if err := arcfs.ValidateSize(c.ChunkSize, "chunk_size", arcfs.MinChunkSize, arcfs.MaxChunkSize); err != nil {
		return err
	}
	return nil
}

// ToCompressOptions maps the file settings onto library options
func (c Config) ToCompressOptions() (arcfs.CompressOptions, error) {
	opts := arcfs.DefaultCompressOptions()
	suite, err := arcfs.ParseCipherSuite(c.Cipher)
	if err != nil {
		return opts, err
	}

	opts.Level = c.Level
	opts.Parallel.Workers = c.Threads
	opts.Parallel.QueueDepth = 0
	opts.Encryption.Cipher = suite
	opts.Encryption.ChunkSize = c.ChunkSize
	opts.Encryption.Argon2.Memory = c.Argon2.MemoryKiB
	opts.Encryption.Argon2.Iterations = c.Argon2.Iterations
	opts.Encryption.Argon2.Parallelism = c.Argon2.Parallelism
	opts.Filter.UseDefaults = c.DefaultExcludes
	opts.Filter.Excludes = append([]string(nil), c.Excludes...)
	opts.Metadata.KeepXattrs = c.KeepXattrs
	opts.Metadata.StripTimestamps = c.StripTimestamps
	opts.FollowSymlinks = c.FollowSymlinks
	opts.AllowSymlinkEscape = c.AllowSymlinkEscape
	opts.Overwrite = c.Overwrite
	return opts, nil
}

// ToExtractOptions maps the file settings onto extract options
func (c Config) ToExtractOptions() arcfs.ExtractOptions {
	return arcfs.ExtractOptions{
		Overwrite:          c.Overwrite,
		AllowSymlinkEscape: c.AllowSymlinkEscape,
		Parallel:           arcfs.ParallelConfig{Workers: c.Threads},
	}
}

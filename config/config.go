// Package config holds the settings of a database instance and how they are read from TOML files.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// Duration is a TOML wrapper type for time.Duration, written as a string such as "5ms".
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the configuration of one database instance.
type Config struct {
	// DataDir holds the catalog and one file per table.
	DataDir string `toml:"data-dir"`
	// LogDir holds the write-ahead log.
	LogDir string `toml:"log-dir"`
	// BufferPoolPages is the capacity of the buffer pool in pages.
	BufferPoolPages int    `toml:"buffer-pool-pages"`
	LogLevel        string `toml:"log-level"`
	LogFormat       string `toml:"log-format"`
	// MetricsAddr is where Prometheus metrics are served. Empty disables the endpoint.
	MetricsAddr      string   `toml:"metrics-addr"`
	WALFlushInterval Duration `toml:"wal-flush-interval"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		DataDir:          "data",
		LogDir:           "wal",
		BufferPoolPages:  50,
		LogLevel:         "info",
		LogFormat:        LogFormatText,
		WALFlushInterval: Duration(5 * time.Millisecond),
	}
}

// Load reads the TOML file at path on top of the defaults. Fields absent from the file keep their default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes TOML data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.BufferPoolPages < 1 {
		return fmt.Errorf("buffer-pool-pages must be at least 1, got %d", c.BufferPoolPages)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must be set")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log-dir must be set")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		return fmt.Errorf("log-format must be %q or %q, got %q", LogFormatText, LogFormatJSON, c.LogFormat)
	}
	if c.WALFlushInterval <= 0 {
		return fmt.Errorf("wal-flush-interval must be positive, got %s", c.WALFlushInterval)
	}
	return nil
}

// WriteTo encodes the configuration as TOML.
func (c *Config) WriteTo(w io.Writer) (int64, error) {
	buf, err := toml.Marshal(*c)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// NewLogger builds the logger described by the configuration, writing to out.
func (c *Config) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if c.LogFormat == LogFormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

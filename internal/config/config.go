package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Mode constants
	ModeStdio  = "stdio"
	ModeServer = "server"

	// Store backends
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	// Default values
	DefaultPort         = 8080
	DefaultHost         = "127.0.0.1"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
	DefaultMaxFileSize  = 100 * 1024 * 1024 // 100MB
	DefaultWorkers      = 4
	DefaultTrainTimeout = 5 * time.Minute
	DefaultEpochs       = 15

	// Directory permissions
	DefaultDirPerm = 0o750

	modelFile    = "tagger.json"
	databaseFile = "fields.db"
)

// Config holds all configuration for the field extraction server
type Config struct {
	// Server configuration
	Mode string // "server" or "stdio"
	Host string
	Port int

	// Directories
	PDFDirectory      string // sandbox root for documents
	TemplateDirectory string
	StateDirectory    string // model blob and database

	// Engine configuration
	Store        string // "memory" or "sqlite"
	Workers      int
	TrainTimeout time.Duration
	Epochs       int

	// Application configuration
	Version     string
	ServerName  string
	LogLevel    string
	LogFormat   string
	MaxFileSize int64 // Maximum PDF file size in bytes
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	currentDir, err := os.Getwd()
	if err != nil {
		currentDir = "."
	}

	return &Config{
		Mode:              ModeStdio, // MCP clients launch the server over stdio
		Host:              DefaultHost,
		Port:              DefaultPort,
		PDFDirectory:      currentDir,
		TemplateDirectory: filepath.Join(currentDir, "templates"),
		StateDirectory:    filepath.Join(currentDir, ".fields"),
		Store:             StoreSQLite,
		Workers:           DefaultWorkers,
		TrainTimeout:      DefaultTrainTimeout,
		Epochs:            DefaultEpochs,
		Version:           "1.0.0",
		ServerName:        "mcp-pdf-fields",
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		MaxFileSize:       DefaultMaxFileSize,
	}
}

// LoadFromFlags parses command line flags and returns a configuration
func LoadFromFlags() (*Config, error) {
	cfg := DefaultConfig()

	setupViperEnvironment(cfg)
	defineCommandLineFlags(cfg)
	bindFlagsToViper()
	setupUsageMessage()

	if err := checkVersionFlag(); err != nil {
		return nil, err
	}

	pflag.Parse()

	populateConfigFromViper(cfg)

	for _, dir := range []*string{&cfg.PDFDirectory, &cfg.TemplateDirectory, &cfg.StateDirectory} {
		if *dir == "" {
			continue
		}
		if expanded, err := filepath.Abs(*dir); err == nil {
			*dir = expanded
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupViperEnvironment configures viper with environment variables and defaults
func setupViperEnvironment(cfg *Config) {
	viper.SetEnvPrefix("MCP_PDF_FIELDS")
	viper.AutomaticEnv()

	viper.SetDefault("mode", cfg.Mode)
	viper.SetDefault("host", cfg.Host)
	viper.SetDefault("port", cfg.Port)
	viper.SetDefault("dir", cfg.PDFDirectory)
	viper.SetDefault("templates", cfg.TemplateDirectory)
	viper.SetDefault("state", cfg.StateDirectory)
	viper.SetDefault("store", cfg.Store)
	viper.SetDefault("workers", cfg.Workers)
	viper.SetDefault("traintimeout", cfg.TrainTimeout)
	viper.SetDefault("epochs", cfg.Epochs)
	viper.SetDefault("loglevel", cfg.LogLevel)
	viper.SetDefault("logformat", cfg.LogFormat)
	viper.SetDefault("maxfilesize", cfg.MaxFileSize)
}

// defineCommandLineFlags sets up all command line flags
func defineCommandLineFlags(cfg *Config) {
	pflag.String("mode", cfg.Mode, "Server mode: 'stdio' for MCP standard I/O, 'server' for HTTP (SSE) server")
	pflag.String("host", cfg.Host, "Server host address (server mode only)")
	pflag.Int("port", cfg.Port, "Server port (server mode only)")
	pflag.String("dir", cfg.PDFDirectory, "Directory containing PDF files")
	pflag.String("templates", cfg.TemplateDirectory, "Directory containing template YAML/JSON files")
	pflag.String("state", cfg.StateDirectory, "Directory for the trained model and the database")
	pflag.String("store", cfg.Store, "Persistence backend: 'sqlite' or 'memory'")
	pflag.Int("workers", cfg.Workers, "Fields extracted concurrently per document")
	pflag.Duration("traintimeout", cfg.TrainTimeout, "Maximum duration of one training run")
	pflag.Int("epochs", cfg.Epochs, "Sequence model training epochs")
	pflag.String("loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pflag.String("logformat", cfg.LogFormat, "Log format (console, json)")
	pflag.Int64("maxfilesize", cfg.MaxFileSize, "Maximum PDF file size in bytes")
}

var flagKeys = []string{
	"mode", "host", "port", "dir", "templates", "state", "store",
	"workers", "traintimeout", "epochs", "loglevel", "logformat", "maxfilesize",
}

// bindFlagsToViper binds command line flags to viper configuration
func bindFlagsToViper() {
	for _, key := range flagKeys {
		_ = viper.BindPFlag(key, pflag.Lookup(key))
	}
}

// setupUsageMessage configures the custom usage message
func setupUsageMessage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nMCP PDF Fields - template field extraction that learns from corrections\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --dir=/path/to/pdfs --templates=/path/to/templates\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --store=memory                        # nothing persisted\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --mode=server --port=8081              # SSE transport\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		for _, key := range flagKeys {
			fmt.Fprintf(os.Stderr, "  MCP_PDF_FIELDS_%s\n", strings.ToUpper(key))
		}
	}
}

// checkVersionFlag checks if version flag was requested
func checkVersionFlag() error {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			return fmt.Errorf("version requested")
		}
	}
	return nil
}

// populateConfigFromViper fills the config struct with values from viper
func populateConfigFromViper(cfg *Config) {
	cfg.Mode = viper.GetString("mode")
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.PDFDirectory = viper.GetString("dir")
	cfg.TemplateDirectory = viper.GetString("templates")
	cfg.StateDirectory = viper.GetString("state")
	cfg.Store = viper.GetString("store")
	cfg.Workers = viper.GetInt("workers")
	cfg.TrainTimeout = viper.GetDuration("traintimeout")
	cfg.Epochs = viper.GetInt("epochs")
	cfg.LogLevel = viper.GetString("loglevel")
	cfg.LogFormat = viper.GetString("logformat")
	cfg.MaxFileSize = viper.GetInt64("maxfilesize")
}

// Validate checks the configuration and creates missing directories
func (c *Config) Validate() error {
	if c.Mode != ModeStdio && c.Mode != ModeServer {
		return errors.New("mode must be either 'stdio' or 'server'")
	}
	if c.Mode == ModeServer && (c.Port < 1 || c.Port > 65535) {
		return errors.New("port must be between 1 and 65535")
	}
	if c.Store != StoreMemory && c.Store != StoreSQLite {
		return fmt.Errorf("invalid store: %s (must be one of: memory, sqlite)", c.Store)
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.TrainTimeout <= 0 {
		return errors.New("training timeout must be positive")
	}
	if c.Epochs < 1 {
		return errors.New("epochs must be at least 1")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("maximum file size must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (must be one of: console, json)", c.LogFormat)
	}

	dirs := []struct {
		name string
		path string
	}{
		{"PDF", c.PDFDirectory},
		{"template", c.TemplateDirectory},
		{"state", c.StateDirectory},
	}
	for _, d := range dirs {
		if d.path == "" {
			return fmt.Errorf("%s directory cannot be empty", d.name)
		}
		if err := ensureDir(d.path); err != nil {
			return fmt.Errorf("cannot use %s directory %s: %w", d.name, d.path, err)
		}
	}
	return nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, DefaultDirPerm)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	return nil
}

// ModelPath is where the trained sequence model is published
func (c *Config) ModelPath() string {
	return filepath.Join(c.StateDirectory, modelFile)
}

// DatabasePath is the sqlite database location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDirectory, databaseFile)
}

// Address returns the server address as host:port
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDebug returns true if debug logging is enabled
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Mode: %s, Address: %s, PDFDirectory: %s, Templates: %s, State: %s, Store: %s, "+
		"Workers: %d, TrainTimeout: %s, Epochs: %d, LogLevel: %s, MaxFileSize: %d}",
		c.Mode, c.Address(), c.PDFDirectory, c.TemplateDirectory, c.StateDirectory, c.Store,
		c.Workers, c.TrainTimeout, c.Epochs, c.LogLevel, c.MaxFileSize)
}

// IsServerMode returns true if the server is running in HTTP server mode
func (c *Config) IsServerMode() bool {
	return c.Mode == ModeServer
}

// IsStdioMode returns true if the server is running in stdio mode
func (c *Config) IsStdioMode() bool {
	return c.Mode == ModeStdio
}

package config

import (
	"flag"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/diffgen"
	"gihan9a/hotupdate/internal/logger"
)

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	GenerateCert bool
}

// CORSConfig holds CORS configuration options
type CORSConfig struct {
	Enabled          bool
	AllowOrigins     string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// ServerConfig configures the content server
type ServerConfig struct {
	RootDir       string
	Port          int
	ProxyURL      *url.URL
	InsecureProxy bool
	TLS           TLSConfig
	CORS          CORSConfig
	Metrics       bool
}

// ClientConfig configures the update client
type ClientConfig struct {
	ManifestURL       string
	DataDir           string
	Timeout           time.Duration
	Interval          time.Duration
	Insecure          bool
	StrictOperations  bool
	MonotonicVersions bool
	RestartCommand    []string
}

// DiffServiceConfig configures the managed diff service
type DiffServiceConfig struct {
	Port           int
	Command        []string
	StartupTimeout time.Duration
}

// BuildConfig configures the release pipeline
type BuildConfig struct {
	BuildDir        string
	BaseURL         string
	BundleFile      string
	PatchThreshold  float64
	PatchFormat     diffgen.Format
	Compress        bool
	CompressLevel   int
	CompressMinSize int64
	DiffEngine      string
	DiffService     DiffServiceConfig
	DiffTimeout     time.Duration
}

// LoggingConfig selects the zap level and encoder
type LoggingConfig struct {
	Level  string
	Format string
}

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Client  ClientConfig
	Build   BuildConfig
	Logging LoggingConfig
}

// Diff engines
const (
	DiffEngineLocal   = "local"
	DiffEngineService = "service"
)

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Build.PatchThreshold <= 0 {
		return fmt.Errorf("patch threshold must be positive, got %v", c.Build.PatchThreshold)
	}
	if _, err := diffgen.ParseFormat(string(c.Build.PatchFormat)); err != nil {
		return err
	}
	switch c.Build.DiffEngine {
	case DiffEngineLocal, DiffEngineService:
	default:
		return fmt.Errorf("unknown diff engine %q", c.Build.DiffEngine)
	}
	if c.Build.CompressLevel < 1 || c.Build.CompressLevel > 9 {
		return fmt.Errorf("compress level must be between 1 and 9, got %d", c.Build.CompressLevel)
	}
	if c.Client.Interval < 0 || c.Client.Timeout < 0 {
		return fmt.Errorf("client interval and timeout must not be negative")
	}
	return nil
}

// ParseFlags registers the shared flags on fs, parses args and merges the result with
// the config file. It also initialises the process logger from the logging section.
// Callers register their own flags on fs before calling.
func ParseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	// Define flags
	configFlag := fs.String("config", "config.yml", "Path to configuration file")
	generateConfigFlag := fs.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := fs.String("config-path", "config.yml", "Path where config file should be generated")

	// Simple flags for overriding config file
	dirFlag := fs.String("d", "", "Build directory to serve or publish into (overrides config)")
	portFlag := fs.Int("p", 0, "Port to listen on (overrides config)")
	manifestFlag := fs.String("manifest-url", "", "Manifest URL the client polls (overrides config)")
	dataDirFlag := fs.String("data-dir", "", "Client data directory (overrides config)")
	levelFlag := fs.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load configuration from file, falling back to defaults
	config, loadErr := LoadConfig(*configFlag)
	if loadErr != nil {
		config, _ = LoadConfig("")
	}

	if *dirFlag != "" {
		config.Server.RootDir = *dirFlag
		config.Build.BuildDir = *dirFlag
	}
	if *portFlag != 0 {
		config.Server.Port = *portFlag
	}
	if *manifestFlag != "" {
		config.Client.ManifestURL = *manifestFlag
	}
	if *dataDirFlag != "" {
		config.Client.DataDir = *dataDirFlag
	}
	if *levelFlag != "" {
		config.Logging.Level = *levelFlag
	}

	logger.Init(config.Logging.Level, config.Logging.Format)
	log := logger.For("config")

	if *generateConfigFlag {
		log.Infof("Generating default configuration file at %s", *configFilePathFlag)
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
		log.Infof("Configuration file generated successfully")
	}
	if loadErr != nil {
		log.Warnf("Could not load config file: %v", loadErr)
		log.Warnf("Using default configuration")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	log.Debugw("Configuration loaded", zap.String("file", *configFlag), zap.String("root_dir", config.Server.RootDir))
	return config, nil
}

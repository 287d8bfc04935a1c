package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gihan9a/hotupdate/internal/diffgen"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Server struct {
		Port    int    `yaml:"port"`
		RootDir string `yaml:"root_dir"`
		Metrics bool   `yaml:"metrics"`
	} `yaml:"server"`

	Proxy struct {
		URL            string `yaml:"url"`
		InsecureVerify bool   `yaml:"insecure_verify"`
	} `yaml:"proxy"`

	TLS struct {
		Enabled      bool   `yaml:"enabled"`
		CertFile     string `yaml:"cert_file"`
		KeyFile      string `yaml:"key_file"`
		GenerateCert bool   `yaml:"generate_cert"`
	} `yaml:"tls"`

	CORS struct {
		Enabled          bool   `yaml:"enabled"`
		AllowOrigins     string `yaml:"allow_origins"`
		AllowMethods     string `yaml:"allow_methods"`
		AllowHeaders     string `yaml:"allow_headers"`
		AllowCredentials bool   `yaml:"allow_credentials"`
		MaxAge           int    `yaml:"max_age"`
	} `yaml:"cors"`

	Client struct {
		ManifestURL       string   `yaml:"manifest_url"`
		DataDir           string   `yaml:"data_dir"`
		Timeout           string   `yaml:"timeout"`
		Interval          string   `yaml:"interval"`
		Insecure          bool     `yaml:"insecure"`
		StrictOperations  bool     `yaml:"strict_operations"`
		MonotonicVersions bool     `yaml:"monotonic_versions"`
		RestartCommand    []string `yaml:"restart_command"`
	} `yaml:"client"`

	Build struct {
		BuildDir        string  `yaml:"build_dir"`
		BaseURL         string  `yaml:"base_url"`
		BundleFile      string  `yaml:"bundle_file"`
		PatchThreshold  float64 `yaml:"patch_threshold"`
		PatchFormat     string  `yaml:"patch_format"`
		Compress        bool    `yaml:"compress"`
		CompressLevel   int     `yaml:"compress_level"`
		CompressMinSize int64   `yaml:"compress_min_size"`
		DiffEngine      string  `yaml:"diff_engine"`
		DiffTimeout     string  `yaml:"diff_timeout"`
		DiffService     struct {
			Port           int      `yaml:"port"`
			Command        []string `yaml:"command"`
			StartupTimeout string   `yaml:"startup_timeout"`
		} `yaml:"diff_service"`
	} `yaml:"build"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// defaultFileConfig holds every default. LoadConfig decodes the file over it, so keys
// absent from the file keep these values.
func defaultFileConfig() FileConfig {
	var fc FileConfig

	// Server settings
	fc.Server.Port = 3000
	fc.Server.RootDir = "build"
	fc.Server.Metrics = true

	// TLS settings
	fc.TLS.CertFile = "cert/cert.pem"
	fc.TLS.KeyFile = "cert/key.pem"

	// CORS settings
	fc.CORS.AllowOrigins = "*"
	fc.CORS.AllowMethods = "GET, HEAD, OPTIONS"
	fc.CORS.AllowHeaders = "Content-Type, Authorization, X-Request-ID"
	fc.CORS.MaxAge = 86400

	// Client settings
	fc.Client.ManifestURL = "http://localhost:3000/manifest.json"
	fc.Client.DataDir = "data"
	fc.Client.Timeout = "30s"
	fc.Client.Interval = "15m"

	// Build settings
	fc.Build.BuildDir = "build"
	fc.Build.BaseURL = "http://localhost:3000"
	fc.Build.BundleFile = "index.android.bundle"
	fc.Build.PatchThreshold = diffgen.DefaultThreshold
	fc.Build.PatchFormat = string(diffgen.FormatDelta)
	fc.Build.CompressLevel = 6
	fc.Build.CompressMinSize = 1024
	fc.Build.DiffEngine = DiffEngineLocal
	fc.Build.DiffTimeout = "0s"
	fc.Build.DiffService.Port = 8095
	fc.Build.DiffService.StartupTimeout = "30s"

	// Logging settings
	fc.Logging.Level = "INFO"
	fc.Logging.Format = "console"

	return fc
}

// LoadConfig loads configuration from a YAML file. An empty path returns the defaults.
func LoadConfig(filePath string) (*Config, error) {
	fileConfig := defaultFileConfig()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	return fileConfig.toConfig()
}

func (fc *FileConfig) toConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			RootDir:       fc.Server.RootDir,
			Port:          fc.Server.Port,
			InsecureProxy: fc.Proxy.InsecureVerify,
			Metrics:       fc.Server.Metrics,
			TLS: TLSConfig{
				Enabled:      fc.TLS.Enabled,
				CertFile:     fc.TLS.CertFile,
				KeyFile:      fc.TLS.KeyFile,
				GenerateCert: fc.TLS.GenerateCert,
			},
			CORS: CORSConfig{
				Enabled:          fc.CORS.Enabled,
				AllowOrigins:     fc.CORS.AllowOrigins,
				AllowMethods:     fc.CORS.AllowMethods,
				AllowHeaders:     fc.CORS.AllowHeaders,
				AllowCredentials: fc.CORS.AllowCredentials,
				MaxAge:           fc.CORS.MaxAge,
			},
		},
		Client: ClientConfig{
			ManifestURL:       fc.Client.ManifestURL,
			DataDir:           fc.Client.DataDir,
			Insecure:          fc.Client.Insecure,
			StrictOperations:  fc.Client.StrictOperations,
			MonotonicVersions: fc.Client.MonotonicVersions,
			RestartCommand:    fc.Client.RestartCommand,
		},
		Build: BuildConfig{
			BuildDir:        fc.Build.BuildDir,
			BaseURL:         fc.Build.BaseURL,
			BundleFile:      fc.Build.BundleFile,
			PatchThreshold:  fc.Build.PatchThreshold,
			PatchFormat:     diffgen.Format(fc.Build.PatchFormat),
			Compress:        fc.Build.Compress,
			CompressLevel:   fc.Build.CompressLevel,
			CompressMinSize: fc.Build.CompressMinSize,
			DiffEngine:      fc.Build.DiffEngine,
			DiffService: DiffServiceConfig{
				Port:    fc.Build.DiffService.Port,
				Command: fc.Build.DiffService.Command,
			},
		},
		Logging: LoggingConfig{
			Level:  fc.Logging.Level,
			Format: fc.Logging.Format,
		},
	}

	// Proxy settings
	if fc.Proxy.URL != "" {
		proxyURL, err := url.Parse(fc.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		config.Server.ProxyURL = proxyURL
	}

	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"client.timeout", fc.Client.Timeout, &config.Client.Timeout},
		{"client.interval", fc.Client.Interval, &config.Client.Interval},
		{"build.diff_timeout", fc.Build.DiffTimeout, &config.Build.DiffTimeout},
		{"build.diff_service.startup_timeout", fc.Build.DiffService.StartupTimeout, &config.Build.DiffService.StartupTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dest = v
	}

	return config, nil
}

// SaveDefaultConfig saves a default configuration file
func SaveDefaultConfig(filePath string) error {
	fileConfig := defaultFileConfig()

	// Marshal to YAML
	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}

	// Add helpful comments
	yamlWithComments := "# Hot Update Configuration\n" +
		"# server: content server, client: update client, build: release pipeline\n\n" +
		string(data)

	// Write to file
	if err := os.WriteFile(filePath, []byte(yamlWithComments), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

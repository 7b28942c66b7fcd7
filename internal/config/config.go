package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// GitBackend selects the implementation used to read repository history
type GitBackend string

const (
	BackendShell GitBackend = "shell"
	BackendGoGit GitBackend = "go-git"
)

// DefaultWatchDir is the repository-relative directory holding deployment scripts
const DefaultWatchDir = "prefect/flows/deployments/"

// Config represents the complete deploysync configuration
type Config struct {
	Repo    RepoConfig    `yaml:"repo"`
	Git     GitConfig     `yaml:"git"`
	Prefect PrefectConfig `yaml:"prefect"`
	Runner  RunnerConfig  `yaml:"runner"`
	Builder BuilderConfig `yaml:"builder"`
	Auth    AuthConfig    `yaml:"auth"`
	Serve   ServeConfig   `yaml:"serve"`
}

// RepoConfig configures the local checkout that is reconciled
type RepoConfig struct {
	Dir           string `yaml:"dir"`
	BaseRef       string `yaml:"base_ref"`
	WatchDir      string `yaml:"watch_dir"`
	DetectRenames bool   `yaml:"detect_renames"`
}

// GitConfig selects the git backend
type GitConfig struct {
	Backend GitBackend `yaml:"backend"`
}

// PrefectConfig configures access to the orchestration API and CLI
type PrefectConfig struct {
	APIURL    string        `yaml:"api_url"`
	APIKey    string        `yaml:"api_key"`
	CLI       string        `yaml:"cli"`
	RateLimit float64       `yaml:"rate_limit"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RunnerConfig maps deployment script extensions to the command that runs them.
// The script path is appended as the last argument.
type RunnerConfig struct {
	Interpreters map[string][]string `yaml:"interpreters"`
}

// BuilderConfig holds the defaults applied when building deployments
type BuilderConfig struct {
	InfraBlock       string `yaml:"infra_block"`
	StorageBlock     string `yaml:"storage_block"`
	ScheduleTimezone string `yaml:"schedule_timezone"`
	BucketName       string `yaml:"bucket_name"`
	LandingSchema    string `yaml:"landing_schema"`
	RepoHome         string `yaml:"repo_home"`
	FlowPackage      string `yaml:"flow_package"`
	CustomFlowDir    string `yaml:"custom_flow_dir"`
	DefaultQueue     string `yaml:"default_queue"`

	// Flow sources are uploaded to s3 storage blocks on deploy
	S3Region         string `yaml:"s3_region"`
	S3Endpoint       string `yaml:"s3_endpoint"`
	UploadIgnoreFile string `yaml:"upload_ignore_file"`
}

// AuthConfig configures Git authentication for fetches in serve mode
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load builds the configuration from the environment and, when path is not
// empty, from a YAML file. A .env file in the working directory is loaded
// first; variables already set in the process environment win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		path = os.ExpandEnv(path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyEnvDefaults()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOptional loads path if it exists and falls back to environment-only
// configuration otherwise.
func LoadOptional(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(os.ExpandEnv(path)); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Dir = os.ExpandEnv(c.Repo.Dir)
	c.Repo.BaseRef = os.ExpandEnv(c.Repo.BaseRef)
	c.Repo.WatchDir = os.ExpandEnv(c.Repo.WatchDir)
	c.Prefect.APIURL = os.ExpandEnv(c.Prefect.APIURL)
	c.Prefect.APIKey = os.ExpandEnv(c.Prefect.APIKey)
	c.Prefect.CLI = os.ExpandEnv(c.Prefect.CLI)
	c.Builder.InfraBlock = os.ExpandEnv(c.Builder.InfraBlock)
	c.Builder.StorageBlock = os.ExpandEnv(c.Builder.StorageBlock)
	c.Builder.ScheduleTimezone = os.ExpandEnv(c.Builder.ScheduleTimezone)
	c.Builder.BucketName = os.ExpandEnv(c.Builder.BucketName)
	c.Builder.LandingSchema = os.ExpandEnv(c.Builder.LandingSchema)
	c.Builder.RepoHome = os.ExpandEnv(c.Builder.RepoHome)
	c.Builder.S3Region = os.ExpandEnv(c.Builder.S3Region)
	c.Builder.S3Endpoint = os.ExpandEnv(c.Builder.S3Endpoint)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyEnvDefaults fills fields left empty by the config file from the
// environment variables the deployment scripts already rely on.
func (c *Config) applyEnvDefaults() {
	envDefault(&c.Prefect.APIURL, "PREFECT_API_URL")
	envDefault(&c.Prefect.APIKey, "PREFECT_API_KEY")
	envDefault(&c.Builder.InfraBlock, "NESSO_PREFECT_DEFAULT_INFRA_BLOCK")
	envDefault(&c.Builder.StorageBlock, "NESSO_PREFECT_DEFAULT_STORAGE_BLOCK")
	envDefault(&c.Builder.ScheduleTimezone, "NESSO_PREFECT_DEFAULT_SCHEDULE_TIMEZONE")
	envDefault(&c.Builder.BucketName, "NESSO_BUCKET_NAME")
	envDefault(&c.Builder.LandingSchema, "NESSO_LANDING_SCHEMA")
	envDefault(&c.Builder.RepoHome, "NESSO_REPO_HOME")
	envDefault(&c.Builder.S3Region, "AWS_REGION")
}

func envDefault(field *string, key string) {
	if *field == "" {
		*field = os.Getenv(key)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Dir == "" {
		c.Repo.Dir = "."
	}
	if c.Repo.WatchDir == "" {
		c.Repo.WatchDir = DefaultWatchDir
	}
	if !strings.HasSuffix(c.Repo.WatchDir, "/") {
		c.Repo.WatchDir += "/"
	}
	if c.Git.Backend == "" {
		c.Git.Backend = BackendShell
	}
	if c.Prefect.CLI == "" {
		c.Prefect.CLI = "prefect"
	}
	if c.Prefect.RateLimit == 0 {
		c.Prefect.RateLimit = 10
	}
	if c.Prefect.Timeout == 0 {
		c.Prefect.Timeout = 30 * time.Second
	}
	if c.Runner.Interpreters == nil {
		c.Runner.Interpreters = map[string][]string{
			".py": {"python3"},
			".sh": {"sh"},
		}
	}
	if c.Builder.RepoHome == "" {
		c.Builder.RepoHome = c.Repo.Dir
	}
	if c.Builder.FlowPackage == "" {
		c.Builder.FlowPackage = "prefect_viadot.flows"
	}
	if c.Builder.CustomFlowDir == "" {
		c.Builder.CustomFlowDir = "prefect/flows/custom"
	}
	if c.Builder.DefaultQueue == "" {
		c.Builder.DefaultQueue = "default"
	}
	if c.Builder.S3Region == "" {
		c.Builder.S3Region = "us-east-1"
	}
	if c.Builder.UploadIgnoreFile == "" {
		c.Builder.UploadIgnoreFile = ".prefectignore"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if filepath.IsAbs(c.Repo.WatchDir) {
		return fmt.Errorf("repo.watch_dir must be relative to the repository root: %s", c.Repo.WatchDir)
	}

	switch c.Git.Backend {
	case BackendShell, BackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid git.backend: %s (must be shell or go-git)", c.Git.Backend)
	}

	if c.Prefect.RateLimit < 0 {
		return fmt.Errorf("prefect.rate_limit must not be negative")
	}

	for ext, command := range c.Runner.Interpreters {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("runner.interpreters key %q must start with a dot", ext)
		}
		if len(command) == 0 {
			return fmt.Errorf("runner.interpreters[%s] must name a command", ext)
		}
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// RequireAPI checks that the fields needed to talk to the orchestration API are set
func (c *Config) RequireAPI() error {
	if c.Prefect.APIURL == "" {
		return fmt.Errorf("prefect.api_url is required (set PREFECT_API_URL)")
	}
	if !strings.HasPrefix(c.Prefect.APIURL, "http://") && !strings.HasPrefix(c.Prefect.APIURL, "https://") {
		return fmt.Errorf("prefect.api_url must be an http(s) URL: %s", c.Prefect.APIURL)
	}
	return nil
}

// WatchPath returns the absolute path of the watched deployment directory
func (c *Config) WatchPath() string {
	return filepath.Join(c.Repo.Dir, filepath.FromSlash(c.Repo.WatchDir))
}

// DefaultParams returns the flow parameters every built deployment starts from
func (c *Config) DefaultParams() map[string]any {
	return map[string]any{
		"to_path": fmt.Sprintf("s3://%s/nesso/%s", c.Builder.BucketName, c.Builder.LandingSchema),
	}
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/deployfile"
	"github.com/schaermu/deploysync/internal/deployment"
	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/prefect"
	"github.com/schaermu/deploysync/internal/prefectcli"
	"github.com/schaermu/deploysync/internal/script"
	"github.com/schaermu/deploysync/internal/storage"
	"github.com/schaermu/deploysync/internal/sync"
	"github.com/schaermu/deploysync/internal/webhook"
	"github.com/spf13/cobra"
)

// configEnv passes the resolved config file to deployment scripts that call back into deploysync
const configEnv = "DEPLOYSYNC_CONFIG"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	dryRun   bool
	baseRef  string
	headRef  string
	noSched  bool
	noUpload bool
	showTags bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "deploysync",
	Short: "Keep Prefect deployments in step with a Git repository",
	Long: `deploysync reconciles the deployments registered in Prefect with the
deployment scripts kept under prefect/flows/deployments/ in a Git repository.

Added, modified, renamed and copied scripts are executed to (re)create their
deployments; deleted scripts have every deployment tagged with their file name
removed. It runs as a CI step (sync) or as a webhook daemon (serve).`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile deployments with the commits between a base and HEAD",
	Long: `Sync walks the commits between the base ref and HEAD, oldest first, and
creates or deletes deployments for every changed file under the watched
directory. A path is acted upon at most once per kind of action.

Without --base only the HEAD commit is reconciled.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var deployCmd = &cobra.Command{
	Use:   "deploy <definition.yaml>",
	Short: "Build a deployment from a YAML definition and submit it",
	Long: `Deploy reads a deployment definition, merges the default flow parameters,
validates the cron schedule and registers the deployment through the Prefect
API. The definition's file name is always added to the deployment's tags.
When the storage block is an s3 block the flow sources under the repository
home are uploaded first, unless --no-upload is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub push events,
checks out the pushed commit and reconciles the pushed commit range.

This mode requires the serve section of the configuration file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List local deployment files and the remote deployments tagged with them",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deploysync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $DEPLOYSYNC_CONFIG or $HOME/.config/deploysync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringVar(&baseRef, "base", "", "reconcile commits after this ref (default is repo.base_ref, or HEAD^)")
	syncCmd.Flags().StringVar(&headRef, "head", "", "last commit to reconcile (default is HEAD)")

	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the resolved deployment without submitting it")
	deployCmd.Flags().BoolVar(&noSched, "no-schedule", false, "register the deployment with its schedule paused")
	deployCmd.Flags().BoolVar(&noUpload, "no-upload", false, "register the deployment without uploading flow sources to s3 storage")

	statusCmd.Flags().BoolVar(&showTags, "tags", false, "print the tags of every matching deployment")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	gitClient, err := newGitClient(cfg)
	if err != nil {
		return err
	}
	engine := newEngine(cfg, gitClient, logger, dryRun)

	base := baseRef
	if base == "" {
		base = cfg.Repo.BaseRef
	}

	logger.Info("starting sync operation")
	if err := engine.Run(ctx, sync.Range{Base: base, Head: headRef}); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireAPI(); err != nil {
		return err
	}

	def, err := deployment.LoadDefinition(args[0])
	if err != nil {
		return err
	}

	var opts []deployment.Option
	if !noUpload {
		opts = append(opts, deployment.WithUploader(newUploader(cfg, logger)))
	}
	builder := deployment.NewBuilder(newAPIClient(cfg), builderDefaults(cfg), logger, opts...)
	manifest, err := builder.Build(ctx, *def, deployfile.Tag(args[0]))
	if err != nil {
		logger.Error("failed to build deployment", "file", args[0], "error", err)
		return err
	}
	if noSched {
		manifest.Request.IsScheduleActive = false
	}

	if dryRun {
		logger.Info("[dry-run] would apply deployment",
			"name", manifest.Request.Name,
			"flow", manifest.FlowName,
			"entrypoint", manifest.Request.Entrypoint,
			"queue", manifest.Request.WorkQueueName,
			"tags", manifest.Request.Tags,
			"upload", manifest.RemoteStorage() && !noUpload,
			"parameters", manifest.Request.Parameters)
		return nil
	}

	if _, err := builder.Submit(ctx, manifest); err != nil {
		logger.Error("failed to apply deployment", "file", args[0], "error", err)
		return err
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled in the configuration (serve.enabled: true)")
	}

	gitClient, err := newGitClient(cfg)
	if err != nil {
		return err
	}
	// fetch/checkout and history reads share one client
	engine := newEngine(cfg, gitClient, logger, false)

	server, err := webhook.NewServer(cfg, gitClient, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	logger.Info("starting webhook server",
		"addr", cfg.Serve.ListenAddr,
		"repo", cfg.Repo.Dir,
		"auth", cfg.AuthMethod())
	return server.Start(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireAPI(); err != nil {
		return err
	}

	files, err := deployfile.DiscoverFiles(cfg.WatchPath(), extensions(cfg))
	if err != nil {
		return fmt.Errorf("failed to discover deployment files: %w", err)
	}
	sort.Strings(files)

	remote, err := newAPIClient(cfg).ListDeployments(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tDEPLOYMENTS")
	for _, file := range files {
		tag := deployfile.Tag(file)
		var names []string
		for _, d := range remote {
			if d.HasTag(tag) {
				name := d.Name
				if showTags {
					name = fmt.Sprintf("%s %v", d.Name, d.Tags)
				}
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			names = []string{"-"}
		}
		for i, name := range names {
			if i == 0 {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", file, name)
				continue
			}
			_, _ = fmt.Fprintf(w, "\t%s\n", name)
		}
	}
	return w.Flush()
}

// newEngine wires the reconciler to gitClient and the configured API and CLI
func newEngine(cfg *config.Config, gitClient git.Client, logger *slog.Logger, dryRun bool) *sync.Engine {
	var lister sync.DeploymentLister = unavailableLister{err: cfg.RequireAPI()}
	if cfg.RequireAPI() == nil {
		lister = newAPIClient(cfg)
	}

	runner := script.NewExecRunner(interpreters(cfg, logger), childEnv(cfg), logger)
	deleter := prefectcli.NewClient(cfg.Prefect.CLI)

	return sync.NewEngine(cfg, gitClient, lister, runner, deleter, logger, dryRun)
}

func newGitClient(cfg *config.Config) (git.Client, error) {
	opts := git.Options{
		Dir:            cfg.Repo.Dir,
		DetectRenames:  cfg.Repo.DetectRenames,
		SSHKeyFile:     cfg.Auth.SSHKeyFile,
		HTTPSTokenFile: cfg.Auth.HTTPSTokenFile,
	}

	if cfg.Git.Backend == config.BackendGoGit {
		client, err := git.OpenRepoClient(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open repository: %w", err)
		}
		return client, nil
	}
	return git.NewShellClient(opts), nil
}

func newAPIClient(cfg *config.Config) *prefect.Client {
	return prefect.NewClient(cfg.Prefect.APIURL,
		prefect.WithAPIKey(cfg.Prefect.APIKey),
		prefect.WithTimeout(cfg.Prefect.Timeout),
		prefect.WithRateLimit(cfg.Prefect.RateLimit))
}

func newUploader(cfg *config.Config, logger *slog.Logger) *storage.S3Uploader {
	return storage.NewS3Uploader(cfg.Builder.S3Region, cfg.Builder.S3Endpoint, cfg.Builder.UploadIgnoreFile, logger)
}

func builderDefaults(cfg *config.Config) deployment.Defaults {
	return deployment.Defaults{
		InfraBlock:       cfg.Builder.InfraBlock,
		StorageBlock:     cfg.Builder.StorageBlock,
		ScheduleTimezone: cfg.Builder.ScheduleTimezone,
		Queue:            cfg.Builder.DefaultQueue,
		RepoHome:         cfg.Builder.RepoHome,
		CustomFlowDir:    cfg.Builder.CustomFlowDir,
		FlowPackage:      cfg.Builder.FlowPackage,
		Params:           cfg.DefaultParams(),
	}
}

// interpreters returns the configured interpreters, running YAML definitions
// through this binary's deploy command unless configured otherwise.
func interpreters(cfg *config.Config, logger *slog.Logger) map[string][]string {
	result := make(map[string][]string, len(cfg.Runner.Interpreters)+2)
	for ext, command := range cfg.Runner.Interpreters {
		result[ext] = command
	}

	self, err := os.Executable()
	if err != nil {
		logger.Warn("cannot locate own executable, YAML definitions will not be deployed", "error", err)
		return result
	}
	for _, ext := range []string{".yaml", ".yml"} {
		if _, ok := result[ext]; !ok {
			result[ext] = []string{self, "--log-level", logLevel, "--log-format", logFormat, "deploy"}
		}
	}
	return result
}

func extensions(cfg *config.Config) []string {
	exts := []string{".yaml", ".yml"}
	for ext := range cfg.Runner.Interpreters {
		if ext != ".yaml" && ext != ".yml" {
			exts = append(exts, ext)
		}
	}
	return exts
}

// childEnv is added to the environment of every deployment script
func childEnv(cfg *config.Config) []string {
	env := []string{"NESSO_REPO_HOME=" + cfg.Builder.RepoHome}
	if path := resolvedConfigPath(); path != "" {
		env = append(env, configEnv+"="+path)
	}
	return env
}

// unavailableLister fails every listing with the reason the API is not configured
type unavailableLister struct {
	err error
}

func (l unavailableLister) ListDeployments(context.Context) ([]prefect.Deployment, error) {
	return nil, l.err
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// configPath returns the config file to load and whether it was requested
// explicitly (and therefore must exist).
func configPath() (string, bool, error) {
	if cfgFile != "" {
		return cfgFile, true, nil
	}
	if env := os.Getenv(configEnv); env != "" {
		return env, true, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "deploysync", "config.yaml"), false, nil
}

// resolvedConfigPath returns the absolute path of the config file in use, or
// an empty string when configuration comes from the environment only.
func resolvedConfigPath() string {
	path, _, err := configPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return abs
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path, explicit, err := configPath()
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if explicit {
		logger.Info("loading configuration", "path", path)
		cfg, err = config.Load(path)
	} else {
		logger.Debug("loading configuration", "path", path, "optional", true)
		cfg, err = config.LoadOptional(path)
	}
	if err != nil {
		return nil, err
	}

	if err := absolutize(cfg); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.Dir,
		"watch_dir", cfg.Repo.WatchDir,
		"base_ref", cfg.Repo.BaseRef,
		"git_backend", cfg.Git.Backend,
		"api_url", cfg.Prefect.APIURL)

	return cfg, nil
}

// absolutize resolves the repository paths so deployment scripts running
// from the watched directory see the same locations.
func absolutize(cfg *config.Config) error {
	for _, p := range []*string{&cfg.Repo.Dir, &cfg.Builder.RepoHome} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

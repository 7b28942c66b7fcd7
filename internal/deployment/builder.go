package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/schaermu/deploysync/internal/prefect"
	"github.com/schaermu/deploysync/internal/storage"
)

// API is the subset of the orchestration API the builder needs
type API interface {
	ReadBlockDocument(ctx context.Context, slug, name string) (*prefect.BlockDocument, error)
	CreateFlow(ctx context.Context, name string) (*prefect.Flow, error)
	CreateDeployment(ctx context.Context, req prefect.DeploymentCreate) (*prefect.Deployment, error)
}

// Uploader copies flow sources into a storage block
type Uploader interface {
	Upload(ctx context.Context, doc *prefect.BlockDocument, localDir, subPath string) (int, error)
}

// Defaults are applied to every definition that leaves the field empty
type Defaults struct {
	InfraBlock       string
	StorageBlock     string
	ScheduleTimezone string
	Queue            string
	RepoHome         string
	CustomFlowDir    string
	FlowPackage      string
	Params           map[string]any
}

// Manifest is a fully resolved deployment ready to submit
type Manifest struct {
	FlowName string
	Request  prefect.DeploymentCreate
	// Storage is the resolved storage block; for s3 blocks Request.Path
	// names the directory the flow sources are uploaded to.
	Storage     *prefect.BlockDocument
	StorageType string
}

// RemoteStorage reports whether the flow sources live in an s3 block
func (m *Manifest) RemoteStorage() bool {
	return m.Storage != nil && m.StorageType == storage.BlockTypeS3
}

// Builder turns definitions into deployments
type Builder struct {
	api      API
	defaults Defaults
	logger   *slog.Logger
	uploader Uploader
}

// Option configures a Builder
type Option func(*Builder)

// WithUploader uploads flow sources to s3 storage blocks on Submit
func WithUploader(u Uploader) Option {
	return func(b *Builder) {
		b.uploader = u
	}
}

// NewBuilder creates a new builder. Without an uploader, Submit only
// registers the deployment.
func NewBuilder(api API, defaults Defaults, logger *slog.Logger, opts ...Option) *Builder {
	b := &Builder{
		api:      api,
		defaults: defaults,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build resolves def into a manifest. tag, when not empty, is added to the
// deployment's tags so the deployment can be found again by the file that
// created it. Blocks are looked up but nothing is written.
func (b *Builder) Build(ctx context.Context, def Definition, tag string) (*Manifest, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	req := prefect.DeploymentCreate{
		Name:          def.Name,
		Version:       strconv.Itoa(max(def.Version, 1)),
		Parameters:    MergeParams(b.defaults.Params, def.Params),
		Tags:          withTag(def.Tags, tag),
		WorkQueueName: firstNonEmpty(def.Queue, b.defaults.Queue, "default"),
	}

	if def.Schedule != "" {
		schedule, err := NewSchedule(def.Schedule, firstNonEmpty(def.ScheduleTimezone, b.defaults.ScheduleTimezone))
		if err != nil {
			return nil, err
		}
		req.Schedule = schedule
		req.IsScheduleActive = true
	}

	infra, _, err := b.block(ctx, "infra_block", firstNonEmpty(def.InfraBlock, b.defaults.InfraBlock))
	if err != nil {
		return nil, err
	}
	if infra != nil {
		req.InfrastructureDocumentID = &infra.ID
	}

	manifest := &Manifest{FlowName: def.FlowName}
	if manifest.Storage, manifest.StorageType, err = b.block(ctx, "storage_block", firstNonEmpty(def.StorageBlock, b.defaults.StorageBlock)); err != nil {
		return nil, err
	}
	if manifest.Storage != nil {
		req.StorageDocumentID = &manifest.Storage.ID
	}
	if manifest.RemoteStorage() {
		req.Path = def.Name
	}
	req.Entrypoint = b.entrypoint(def, manifest.RemoteStorage())

	manifest.Request = req
	return manifest, nil
}

// Apply builds def and submits it: the flow is created (or read) first, then
// the deployment is upserted.
func (b *Builder) Apply(ctx context.Context, def Definition, tag string) (*prefect.Deployment, error) {
	manifest, err := b.Build(ctx, def, tag)
	if err != nil {
		return nil, err
	}
	return b.Submit(ctx, manifest)
}

// Submit registers a previously built manifest, uploading the flow sources
// first when the deployment uses s3 storage and an uploader is configured.
func (b *Builder) Submit(ctx context.Context, manifest *Manifest) (*prefect.Deployment, error) {
	if manifest.RemoteStorage() && b.uploader != nil {
		n, err := b.uploader.Upload(ctx, manifest.Storage, b.defaults.RepoHome, manifest.Request.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to upload flow sources for %s: %w", manifest.Request.Name, err)
		}
		b.logger.Info("Uploaded flow sources", "name", manifest.Request.Name, "path", manifest.Request.Path, "files", n)
	}

	flow, err := b.api.CreateFlow(ctx, manifest.FlowName)
	if err != nil {
		return nil, err
	}

	req := manifest.Request
	req.FlowID = flow.ID

	deployment, err := b.api.CreateDeployment(ctx, req)
	if err != nil {
		return nil, err
	}

	b.logger.Info("Applied deployment",
		"name", deployment.Name,
		"deployment_id", deployment.ID,
		"flow", manifest.FlowName,
		"tags", strings.Join(req.Tags, ","))
	return deployment, nil
}

// entrypoint returns the <file>:<function> reference the worker imports.
// Custom flows in remote storage are referenced relative to the uploaded
// repository.
func (b *Builder) entrypoint(def Definition, remote bool) string {
	if def.Custom {
		home := b.defaults.RepoHome
		if remote {
			home = ""
		}
		return path.Join(home, b.defaults.CustomFlowDir, def.FlowName+".py") + ":" + def.FlowName
	}
	pkg := strings.ReplaceAll(firstNonEmpty(b.defaults.FlowPackage, "prefect_viadot.flows"), ".", "/")
	return path.Join(pkg, def.FlowName+".py") + ":" + def.FlowName
}

// block loads the block document ref points to, returning its type slug
func (b *Builder) block(ctx context.Context, field, ref string) (*prefect.BlockDocument, string, error) {
	if ref == "" {
		b.logger.Debug("No block configured", "field", field)
		return nil, "", nil
	}

	slug, name, err := ParseBlockRef(ref)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", field, err)
	}

	doc, err := b.api.ReadBlockDocument(ctx, slug, name)
	if err != nil {
		return nil, "", err
	}
	return doc, slug, nil
}

// MergeParams returns defaults overlaid with params. Keys in params win;
// neither input is modified.
func MergeParams(defaults, params map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(params))
	maps.Copy(merged, defaults)
	maps.Copy(merged, params)
	return merged
}

// ParseBlockRef splits a "<block-type-slug>/<block-name>" reference
func ParseBlockRef(ref string) (slug, name string, err error) {
	slug, name, ok := strings.Cut(ref, "/")
	if !ok || slug == "" || name == "" {
		return "", "", fmt.Errorf("invalid block reference %q (expected <block-type>/<name>)", ref)
	}
	return slug, name, nil
}

// NewSchedule validates a five-field cron expression and timezone
func NewSchedule(expr, timezone string) (*prefect.CronSchedule, error) {
	if _, err := cron.ParseStandard(expr); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("invalid schedule timezone %q: %w", timezone, err)
		}
	}
	return &prefect.CronSchedule{Cron: expr, Timezone: timezone}, nil
}

func withTag(tags []string, tag string) []string {
	out := slices.Clone(tags)
	if out == nil {
		out = []string{}
	}
	if tag != "" && !slices.Contains(out, tag) {
		out = append(out, tag)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

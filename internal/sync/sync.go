package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/deployfile"
	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/prefect"
	"github.com/schaermu/deploysync/internal/script"
)

// DeploymentLister lists the deployments registered remotely
type DeploymentLister interface {
	ListDeployments(ctx context.Context) ([]prefect.Deployment, error)
}

// ScriptRunner runs a deployment file from the watched directory
type ScriptRunner interface {
	Run(ctx context.Context, dir, file string) error
}

// DeploymentDeleter removes a remote deployment, returning the tool output
type DeploymentDeleter interface {
	DeleteDeployment(ctx context.Context, id uuid.UUID) (string, error)
}

// Engine reconciles the deployment registry with repository history
type Engine struct {
	cfg     *config.Config
	git     git.Client
	lister  DeploymentLister
	runner  ScriptRunner
	deleter DeploymentDeleter
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, lister DeploymentLister, runner ScriptRunner, deleter DeploymentDeleter, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		git:     gitClient,
		lister:  lister,
		runner:  runner,
		deleter: deleter,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run executes the complete reconciliation for r
func (e *Engine) Run(ctx context.Context, r Range) error {
	e.logger.Info("starting sync",
		"repo", e.cfg.Repo.Dir,
		"base", r.Base,
		"head", r.Head,
		"dry_run", e.dryRun)

	plan, err := e.BuildPlan(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to build sync plan: %w", err)
	}

	creates, deletes := plan.Counts()
	e.logger.Info("sync plan",
		"commits", len(plan.Commits),
		"create", creates,
		"delete", deletes)

	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if err := e.Apply(ctx, plan); err != nil {
		return fmt.Errorf("failed to apply sync plan: %w", err)
	}

	e.logger.Info("sync completed successfully")
	return nil
}

// BuildPlan walks the commits in r oldest first and records one action per
// changed deployment file. A path whose last recorded action has the same
// kind is skipped, so repeated modifications create once while a delete
// followed by a re-add still ends in a create. Remote deployments are listed
// at most once, and only when the plan contains a delete.
func (e *Engine) BuildPlan(ctx context.Context, r Range) (*Plan, error) {
	commits, err := e.git.CommitRange(ctx, r.Base, r.Head)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit range: %w", err)
	}

	plan := &Plan{
		Commits: commits,
		Actions: make([]Action, 0),
	}

	var remote []prefect.Deployment
	listed := false
	// last action kind recorded per path
	visited := make(map[string]ActionKind)

	for _, commit := range commits {
		changes, err := e.git.Changes(ctx, commit)
		if err != nil {
			return nil, fmt.Errorf("failed to read changes of %s: %w", commit, err)
		}

		for _, change := range changes {
			if !deployfile.IsWatched(change.Path, e.cfg.Repo.WatchDir) {
				continue
			}

			kind := ActionCreate
			if change.Op == git.OpDeleted {
				kind = ActionDelete
			}

			if visited[change.Path] == kind {
				e.logger.Debug("skipping already visited path", "path", change.Path, "commit", commit, "action", kind)
				continue
			}
			visited[change.Path] = kind

			action := Action{
				Kind:   kind,
				Path:   change.Path,
				Commit: commit,
				Op:     change.Op,
			}

			if kind == ActionDelete {
				if !listed {
					if remote, err = e.lister.ListDeployments(ctx); err != nil {
						return nil, fmt.Errorf("failed to list remote deployments: %w", err)
					}
					listed = true
					e.logger.Info("fetched remote deployments", "count", len(remote))
				}
				action.Targets = tagged(remote, deployfile.Tag(change.Path))
			}

			plan.Actions = append(plan.Actions, action)
		}
	}

	return plan, nil
}

// Apply executes the plan in order. A failing create aborts; failing deletes
// are logged and the run continues. A delete that follows an applied create
// re-lists the remote deployments so it also removes what that create
// registered.
func (e *Engine) Apply(ctx context.Context, plan *Plan) error {
	dir := e.cfg.WatchPath()
	stale := false

	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch action.Kind {
		case ActionCreate:
			ran, err := e.create(ctx, dir, action)
			if err != nil {
				return err
			}
			stale = stale || ran
		case ActionDelete:
			if stale {
				action.Targets = e.relist(ctx, action)
				stale = false
			}
			e.delete(ctx, action)
		}
	}

	return nil
}

// create runs the deployment file and reports whether it ran
func (e *Engine) create(ctx context.Context, dir string, action Action) (bool, error) {
	file := deployfile.RelativeToWatchDir(action.Path, e.cfg.Repo.WatchDir)
	e.logger.Info("creating deployment", "path", action.Path, "commit", action.Commit, "op", action.Op)

	err := e.runner.Run(ctx, dir, file)
	if errors.Is(err, script.ErrMissing) {
		e.logger.Info("deployment file no longer in working tree, skipping", "path", action.Path)
		return false, nil
	}
	if err != nil {
		e.logger.Warn("deployment script failed", "path", action.Path, "error", err)
		return false, fmt.Errorf("failed to create deployment from %s: %w", action.Path, err)
	}
	return true, nil
}

// relist refreshes the delete targets of action, keeping the planned targets
// when the listing fails.
func (e *Engine) relist(ctx context.Context, action Action) []prefect.Deployment {
	remote, err := e.lister.ListDeployments(ctx)
	if err != nil {
		e.logger.Warn("failed to refresh remote deployments, using planned targets", "path", action.Path, "error", err)
		return action.Targets
	}
	e.logger.Debug("refreshed remote deployments", "count", len(remote))
	return tagged(remote, deployfile.Tag(action.Path))
}

func (e *Engine) delete(ctx context.Context, action Action) {
	tag := deployfile.Tag(action.Path)
	if len(action.Targets) == 0 {
		e.logger.Info("no remote deployments tagged with deleted file", "path", action.Path, "tag", tag)
		return
	}

	for _, target := range action.Targets {
		e.logger.Info("deleting deployment",
			"path", action.Path,
			"deployment", target.Name,
			"deployment_id", target.ID)

		output, err := e.deleter.DeleteDeployment(ctx, target.ID)
		if err != nil {
			e.logger.Warn("deployment delete had issues (may be non-fatal)",
				"deployment_id", target.ID,
				"error", err,
				"output", output)
			continue
		}
		if output != "" {
			e.logger.Debug("deployment delete output", "deployment_id", target.ID, "output", output)
		}
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, action := range plan.Actions {
		switch action.Kind {
		case ActionCreate:
			e.logger.Info("[dry-run] would create", "path", action.Path, "commit", action.Commit, "op", action.Op)
		case ActionDelete:
			if len(action.Targets) == 0 {
				e.logger.Info("[dry-run] would delete nothing", "path", action.Path, "commit", action.Commit)
			}
			for _, target := range action.Targets {
				e.logger.Info("[dry-run] would delete",
					"path", action.Path,
					"commit", action.Commit,
					"deployment", target.Name,
					"deployment_id", target.ID)
			}
		}
	}
}

// tagged returns the deployments carrying tag
func tagged(deployments []prefect.Deployment, tag string) []prefect.Deployment {
	var out []prefect.Deployment
	for _, d := range deployments {
		if d.HasTag(tag) {
			out = append(out, d)
		}
	}
	return out
}

// Package apply mutates the workspace from a human-approved action set
// and drives the version trail.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"draftsman/internal/patch"
	"draftsman/internal/proposal"
	"draftsman/internal/vcs"
	"draftsman/internal/workspace"
)

// Item is one approved action, optionally narrowed to a subset of the
// hunks that were shown at preview time. SelectedHunks carry the exact
// hunk texts and OriginalDiff the diff they were drawn from.
type Item struct {
	proposal.Action
	SelectedHunks []string `json:"selectedHunks,omitempty"`
	OriginalDiff  string   `json:"originalDiff,omitempty"`
}

// ActionResult is the outcome for one item. Failures are data, never
// panics or aborts: a batch of N items always yields N results.
type ActionResult struct {
	OK     bool            `json:"ok"`
	Action proposal.Action `json:"action"`
	Error  string          `json:"error,omitempty"`
}

// Result aggregates a batch. ChangedFiles maps every successfully
// created or edited path to its post-mutation content for immediate
// re-display; deletes and directories are not in it.
type Result struct {
	OK           bool              `json:"ok"`
	Actions      []ActionResult    `json:"actionsApplied"`
	Trail        vcs.CommitResult  `json:"versionTrailResult"`
	ChangedFiles map[string]string `json:"changedFiles"`
}

type Coordinator struct {
	ws     *workspace.Workspace
	trail  *vcs.Trail
	logger *slog.Logger

	// Serializes apply batches per workspace. Concurrent batches would
	// otherwise race at the filesystem with last-writer-wins.
	mu sync.Mutex
}

func NewCoordinator(ws *workspace.Workspace, trail *vcs.Trail, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ws: ws, trail: trail, logger: logger.With("component", "apply")}
}

// Apply processes items in order, best-effort: a failed item never
// aborts its siblings, so the final workspace state is the union of the
// independent successes. Afterwards every touched path goes into one
// version-trail commit.
//
// Caveat: file mutation and the trail commit are not atomic with respect
// to each other. If the commit fails the files stay written and the
// failure is reported in Result.Trail — callers must surface it.
func (c *Coordinator) Apply(ctx context.Context, items []Item, commitMessage string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := Result{
		Actions:      make([]ActionResult, 0, len(items)),
		ChangedFiles: map[string]string{},
	}
	var touched []string
	allOK := true
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			result.Actions = append(result.Actions, ActionResult{Action: item.Action, Error: err.Error()})
			allOK = false
			continue
		}
		content, err := c.applyOne(item)
		outcome := ActionResult{OK: err == nil, Action: item.Action}
		if err != nil {
			outcome.Error = err.Error()
			allOK = false
			c.logger.Warn("apply.action_failed", "kind", item.Kind, "path", item.Path, "error", err.Error())
		} else {
			touched = append(touched, item.Path)
			if item.Kind != proposal.KindDelete && !(item.Kind == proposal.KindCreate && item.IsDirectory) {
				result.ChangedFiles[item.Path] = content
			}
			c.logger.Info("apply.action_ok", "kind", item.Kind, "path", item.Path)
		}
		result.Actions = append(result.Actions, outcome)
	}
	result.OK = allOK
	result.Trail = c.commit(touched, commitMessage)
	return result
}

// applyOne mutates the workspace for a single item and returns the new
// file content for create/edit items.
func (c *Coordinator) applyOne(item Item) (string, error) {
	if item.Path == "" {
		return "", errors.New("action missing path")
	}
	if !item.Kind.Valid() {
		return "", fmt.Errorf("unknown action kind %q", item.Kind)
	}
	if _, err := c.ws.Resolve(item.Path); err != nil {
		return "", err
	}
	switch item.Kind {
	case proposal.KindCreate:
		if item.IsDirectory {
			return "", c.ws.Mkdir(item.Path)
		}
		return item.Content, c.ws.Write(item.Path, item.Content)
	case proposal.KindEdit:
		if len(item.SelectedHunks) == 0 {
			// No hunk filter: edit converges to a full-file overwrite,
			// same as create.
			return item.Content, c.ws.Write(item.Path, item.Content)
		}
		before, err := c.ws.ReadOrEmpty(item.Path)
		if err != nil {
			return "", err
		}
		after, err := patch.ApplySelected(before, item.OriginalDiff, item.SelectedHunks)
		if err != nil {
			return "", err
		}
		return after, c.ws.Write(item.Path, after)
	case proposal.KindDelete:
		return "", c.ws.Remove(item.Path)
	}
	return "", fmt.Errorf("unknown action kind %q", item.Kind)
}

func (c *Coordinator) commit(touched []string, message string) vcs.CommitResult {
	if len(touched) == 0 {
		return vcs.CommitResult{OK: false, NoChanges: true}
	}
	hash, err := c.trail.Commit(touched, message)
	if err != nil {
		if errors.Is(err, vcs.ErrNothingToCommit) {
			return vcs.CommitResult{OK: false, NoChanges: true}
		}
		c.logger.Error("apply.commit_failed", "error", err.Error())
		return vcs.CommitResult{OK: false, Error: err.Error()}
	}
	return vcs.CommitResult{OK: true, Hash: hash}
}

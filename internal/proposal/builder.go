package proposal

import (
	"errors"
	"fmt"

	"draftsman/internal/patch"
	"draftsman/internal/workspace"
)

// Preview is the per-action review payload: the action, its diff against
// the current workspace content, and the diff's hunks. A failed preview
// carries ok=false and the error instead; one bad action never blocks
// preview of its siblings.
type Preview struct {
	Action Action       `json:"action"`
	OK     bool         `json:"ok"`
	Diff   string       `json:"diff,omitempty"`
	Hunks  []patch.Hunk `json:"hunks,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// BuildPreviews computes a preview for every action, in order. It is
// strictly read-only: no workspace mutation happens here under any
// circumstance, which is what makes human review safe. The output always
// has exactly one entry per input action.
func BuildPreviews(ws *workspace.Workspace, actions []Action) []Preview {
	previews := make([]Preview, 0, len(actions))
	for _, action := range actions {
		previews = append(previews, buildPreview(ws, action))
	}
	return previews
}

func buildPreview(ws *workspace.Workspace, action Action) Preview {
	preview := Preview{Action: action}
	if action.Path == "" {
		preview.Error = "action missing path"
		return preview
	}
	if !action.Kind.Valid() {
		preview.Error = fmt.Sprintf("unknown action kind %q", action.Kind)
		return preview
	}
	if _, err := ws.Resolve(action.Path); err != nil {
		if errors.Is(err, workspace.ErrOutOfBounds) {
			preview.Error = fmt.Sprintf("path %q escapes the workspace", action.Path)
		} else {
			preview.Error = err.Error()
		}
		return preview
	}
	if action.Kind == KindCreate && action.IsDirectory {
		// Nothing to diff for a directory.
		preview.OK = true
		return preview
	}
	before, err := ws.ReadOrEmpty(action.Path)
	if err != nil {
		preview.Error = err.Error()
		return preview
	}
	after := ""
	if action.Kind != KindDelete {
		after = action.Content
	}
	diffText := patch.Diff(action.Path, before, after)
	preview.OK = true
	preview.Diff = diffText
	preview.Hunks = patch.SplitHunks(diffText)
	return preview
}

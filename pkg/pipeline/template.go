package pipeline

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vardasoft/antfarm/pkg/models"
)

// placeholderPattern matches {{name}} and {{name.subname}} template
// placeholders (spec.md §4.4).
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)?)\s*\}\}`)

// ResolveTemplate substitutes every {{name}} / {{name.subname}} placeholder
// in tmpl against ctx. A missing key renders as the literal
// "[missing: name]" rather than raising — downstream steps may legitimately
// observe that a key is absent (spec.md §9).
func ResolveTemplate(tmpl string, ctx models.Context) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		if v, ok := ctx[name]; ok {
			return v
		}
		// "name.subname" placeholders read the same flat context under
		// its dotted key; the context never nests, so this is exactly the
		// same lookup with no further traversal.
		return fmt.Sprintf("[missing: %s]", name)
	})
}

// AugmentContext returns a copy of ctx augmented with the derived fields
// claimStep's input resolution requires: run_id always, has_frontend_changes
// when a repo/branch pair is present, and progress when the run has
// ingested stories (spec.md §4.4).
func AugmentContext(ctx models.Context, runID string, hasStories bool, progressDir string) models.Context {
	out := ctx.Clone()
	out["run_id"] = runID

	if repo, ok := out["repo"]; ok {
		if branch, ok := out["branch"]; ok {
			out["has_frontend_changes"] = boolString(hasFrontendChanges(repo, branch))
		}
	}

	if hasStories {
		out["progress"] = readProgressFile(progressDir, runID)
	}
	return out
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// hasFrontendChanges runs a best-effort git-diff heuristic: does the diff
// between branch and main touch anything that looks like a frontend path.
// Any error (not a git repo, git missing, branch absent) yields false
// rather than propagating — this is a derived convenience field, not a
// correctness-critical one.
func hasFrontendChanges(repoPath, branch string) bool {
	cmd := exec.Command("git", "diff", "--name-only", "main..."+branch)
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if looksLikeFrontendPath(line) {
			return true
		}
	}
	return false
}

var frontendExtensions = []string{".tsx", ".jsx", ".css", ".scss", ".vue", ".svelte"}

func looksLikeFrontendPath(path string) bool {
	lower := strings.ToLower(path)
	if strings.Contains(lower, "frontend/") || strings.Contains(lower, "ui/") || strings.Contains(lower, "web/") {
		return true
	}
	for _, ext := range frontendExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// readProgressFile reads a run's external progress file, opaque free text
// maintained by long-lived loop agents outside the core (spec.md §4.4,
// §4.7's "archive the progress file"). Missing or unreadable files yield
// an empty string rather than an error.
func readProgressFile(progressDir, runID string) string {
	if progressDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(progressDir, runID+".progress"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ArchiveProgressFile moves a completed run's progress file aside so a
// future run with the same id starts clean (spec.md §4.4 advancePipeline:
// "archive the progress file for long-lived loop agents").
func ArchiveProgressFile(progressDir, runID string) error {
	if progressDir == "" {
		return nil
	}
	src := filepath.Join(progressDir, runID+".progress")
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	return os.Rename(src, src+".archived")
}

package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Bounds on what counts as a single-task plan.
const (
	maxPlanSteps = 20
	maxPlanFiles = 30
)

// vagueMarkers disqualify a step from being concrete.
var vagueMarkers = []string{
	"tbd",
	"to be determined",
	"explore",
	"figure out",
	"investigate",
	"somehow",
	"as needed",
	"and so on",
}

// Validate checks a plan for specificity: concrete steps, named files
// that exist, bounded scope. It returns the problems found; an empty
// slice means the plan is specific enough to execute.
func Validate(plan *ExecutionPlan, workDir string) []string {
	var issues []string

	if len(plan.Steps) == 0 {
		issues = append(issues, "plan has no steps")
	}
	if len(plan.Steps) > maxPlanSteps {
		issues = append(issues, fmt.Sprintf("plan has %d steps, limit is %d; the task should be decomposed", len(plan.Steps), maxPlanSteps))
	}
	for _, step := range plan.Steps {
		lower := strings.ToLower(step)
		for _, marker := range vagueMarkers {
			if strings.Contains(lower, marker) {
				issues = append(issues, fmt.Sprintf("step %q is not concrete (%q)", step, marker))
				break
			}
		}
	}

	existing := append(append([]string{}, plan.FilesToRead...), plan.FilesToModify...)
	if len(existing)+len(plan.FilesToCreate) > maxPlanFiles {
		issues = append(issues, fmt.Sprintf("plan names %d files, limit is %d", len(existing)+len(plan.FilesToCreate), maxPlanFiles))
	}
	for _, missing := range missingFiles(workDir, existing) {
		issues = append(issues, fmt.Sprintf("file %q does not exist", missing))
	}

	return issues
}

// missingFiles returns the subset of rel paths not present under workDir.
// Files to create are expected to be missing and are not checked.
func missingFiles(workDir string, files []string) []string {
	var missing []string
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(workDir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	return missing
}

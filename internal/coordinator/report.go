package coordinator

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgeline/foreman/internal/errors"
)

// writeReport persists one YAML report per terminal run. Reporting is
// off unless ReportDir is set.
func (c *Coordinator) writeReport(res Result) error {
	if c.ReportDir == "" {
		return nil
	}
	data, err := yaml.Marshal(res)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "encode run report", err)
	}
	if err := os.MkdirAll(c.ReportDir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "create report directory", err)
	}
	name := reportFileName(res.ThreadID)
	if err := os.WriteFile(filepath.Join(c.ReportDir, name), data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write run report", err)
	}
	return nil
}

// reportFileName flattens a thread id into a single path segment.
// Subrun ids carry / and @, neither of which belongs in a file name.
func reportFileName(threadID string) string {
	r := strings.NewReplacer("/", "_", "@", "_", string(os.PathSeparator), "_")
	return r.Replace(threadID) + ".yaml"
}

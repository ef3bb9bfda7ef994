// Package resolver decides which files a finished worker produced as deliverables.
package resolver

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Workers write into OutputDir under their working directory, and PDFs into
// OutputDir/ReportDir.
const (
	OutputDir = "results"
	ReportDir = "pdfs"
)

// Kind is the inferred type of an artifact.
type Kind string

const (
	KindReport      Kind = "report"
	KindSpreadsheet Kind = "spreadsheet"
	KindLog         Kind = "log"
	KindData        Kind = "data"
)

// Artifact is one deliverable file.
type Artifact struct {
	Name string `json:"name"` // base name, unique within a job
	Kind Kind   `json:"kind"`
	Size int64  `json:"size"`
	// Path is relative to the job directory, slash separated.
	Path string `json:"-"`
	// Placeholder marks the synthesized artifact of a degraded success.
	Placeholder bool `json:"placeholder,omitempty"`
}

// KindOf infers an artifact kind from the file extension.
func KindOf(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindReport
	case ".xlsx", ".xls", ".csv":
		return KindSpreadsheet
	case ".txt", ".log":
		return KindLog
	default:
		return KindData
	}
}

// Resolve scans the job's output dir and its report subdir for files matching
// any of patterns (doublestar, relative to the output dir). Missing dirs yield
// no artifacts. When the same base name appears twice the report subdir wins.
func Resolve(jobDir string, patterns []string) ([]Artifact, error) {
	byName := make(map[string]Artifact)

	for _, sub := range []string{"", ReportDir} {
		rel := path.Join(OutputDir, sub)
		entries, err := os.ReadDir(filepath.Join(jobDir, filepath.FromSlash(rel)))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			candidate := path.Join(sub, name)
			if !matchesAny(candidate, patterns) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", candidate, err)
			}
			byName[name] = Artifact{
				Name: name,
				Kind: KindOf(name),
				Size: info.Size(),
				Path: path.Join(rel, name),
			}
		}
	}

	artifacts := make([]Artifact, 0, len(byName))
	for _, a := range byName {
		artifacts = append(artifacts, a)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })

	slog.Debug("Resolved artifacts", "dir", jobDir, "count", len(artifacts))
	return artifacts, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Placeholder is the artifact attached to a job that exited successfully but
// left nothing matching its conventions.
func Placeholder(serviceID string) Artifact {
	name := serviceID + "_automation_log.txt"
	return Artifact{
		Name:        name,
		Kind:        KindLog,
		Path:        path.Join(OutputDir, name),
		Placeholder: true,
	}
}

// WritePlaceholder writes the job transcript to the placeholder's path so it can be downloaded.
func WritePlaceholder(jobDir string, a Artifact, lines []string) (Artifact, error) {
	full := filepath.Join(jobDir, filepath.FromSlash(a.Path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return a, fmt.Errorf("create output dir: %w", err)
	}
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return a, fmt.Errorf("write placeholder: %w", err)
	}
	a.Size = int64(len(content))
	return a, nil
}

// Open opens an artifact for reading. The path is confined to jobDir.
func Open(jobDir string, a Artifact) (*os.File, error) {
	clean := path.Clean("/" + a.Path)[1:]
	if clean == "" || clean != a.Path {
		return nil, fmt.Errorf("invalid artifact path %q", a.Path)
	}
	return os.Open(filepath.Join(jobDir, filepath.FromSlash(clean)))
}

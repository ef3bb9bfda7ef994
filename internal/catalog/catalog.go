// Package catalog holds the automation services that can be started, and how
// to run each one.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Service describes one automation worker.
type Service struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// Executable is the worker program, relative to the scripts dir unless absolute.
	Executable string `yaml:"executable" json:"-"`
	// Runtime is the interpreter name ("python"). Empty runs Executable directly.
	Runtime string `yaml:"runtime" json:"runtime,omitempty"`
	// Image runs the worker in a container instead of on the host.
	Image string `yaml:"image" json:"-"`

	Enabled        *bool    `yaml:"enabled" json:"-"`
	CreditsPerUnit int64    `yaml:"credits_per_unit" json:"creditsPerUnit"`
	Artifacts      []string `yaml:"artifacts" json:"-"`

	path string
}

// IsEnabled reports whether the service accepts new jobs. Services are enabled unless set otherwise.
func (s Service) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ExecutablePath is the resolved worker path.
func (s Service) ExecutablePath() string {
	return s.path
}

// DefaultArtifacts are result-file conventions relative to the job's output dir.
var DefaultArtifacts = []string{
	"*.pdf",
	"pdfs/*.pdf",
	"*_automation_log_*.txt",
	"*_summary_*.json",
	"*.xlsx",
	"*.csv",
}

// Catalog is an immutable set of services, safe for concurrent use.
type Catalog struct {
	services map[string]Service
}

type file struct {
	Services []Service `yaml:"services"`
}

// Load reads a catalog file. An empty path yields the built-in services.
func Load(path, scriptsDir string) (*Catalog, error) {
	if path == "" {
		return New(Builtin(), scriptsDir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("service catalog not found: %s", path)
		}
		return nil, fmt.Errorf("read service catalog: %w", err)
	}
	return Parse(data, scriptsDir)
}

// Parse decodes a YAML catalog.
func Parse(data []byte, scriptsDir string) (*Catalog, error) {
	if len(data) == 0 {
		return nil, errors.New("service catalog is empty")
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse service catalog: %w", err)
	}
	return New(f.Services, scriptsDir)
}

// New validates services and resolves their executables against scriptsDir.
func New(services []Service, scriptsDir string) (*Catalog, error) {
	c := &Catalog{services: make(map[string]Service, len(services))}
	for i, svc := range services {
		if svc.ID == "" {
			return nil, fmt.Errorf("service %d: id is required", i)
		}
		if _, dup := c.services[svc.ID]; dup {
			return nil, fmt.Errorf("service %s: duplicate id", svc.ID)
		}
		if svc.Executable == "" {
			return nil, fmt.Errorf("service %s: executable is required", svc.ID)
		}
		if svc.CreditsPerUnit < 0 {
			return nil, fmt.Errorf("service %s: credits_per_unit must not be negative", svc.ID)
		}
		if svc.CreditsPerUnit == 0 {
			svc.CreditsPerUnit = 1
		}
		if len(svc.Artifacts) == 0 {
			svc.Artifacts = DefaultArtifacts
		}
		for _, p := range svc.Artifacts {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("service %s: invalid artifact pattern %q", svc.ID, p)
			}
		}
		if svc.Name == "" {
			svc.Name = svc.ID
		}

		svc.path = svc.Executable
		if !filepath.IsAbs(svc.path) && scriptsDir != "" {
			svc.path = filepath.Join(scriptsDir, svc.Executable)
		}
		c.services[svc.ID] = svc
	}
	return c, nil
}

// Builtin returns the services shipped with the product.
func Builtin() []Service {
	return []Service{
		{
			ID:         "damco-tracking-maersk",
			Name:       "Damco Tracking (Maersk)",
			Executable: "damco_tracking_maersk.py",
			Runtime:    "python",
			Artifacts: []string{
				"pdfs/*_tracking.pdf",
				"*_report_*.pdf",
				"*_automation_log_*.txt",
				"*_summary_*.json",
			},
		},
		{
			ID:         "ctg-port-tracking",
			Name:       "CTG Port Tracking",
			Executable: "ctg_port_tracking.py",
			Runtime:    "python",
		},
		{
			ID:         "example-automation",
			Name:       "Example Automation",
			Executable: "example_automation.py",
			Runtime:    "python",
		},
	}
}

// Lookup returns an enabled service by id.
func (c *Catalog) Lookup(id string) (Service, bool) {
	svc, ok := c.services[id]
	if !ok || !svc.IsEnabled() {
		return Service{}, false
	}
	return svc, true
}

// List returns enabled services ordered by id.
func (c *Catalog) List() []Service {
	out := make([]Service, 0, len(c.services))
	for _, svc := range c.services {
		if svc.IsEnabled() {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Runtimes returns the distinct interpreter names used by enabled host services.
func (c *Catalog) Runtimes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, svc := range c.List() {
		if svc.Runtime == "" || svc.Image != "" {
			continue
		}
		if _, ok := seen[svc.Runtime]; !ok {
			seen[svc.Runtime] = struct{}{}
			out = append(out, svc.Runtime)
		}
	}
	return out
}

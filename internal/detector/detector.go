// Package detector implements the Project Detector (C6): a pure
// function of a file list and parsed package.json that classifies the
// project's framework, default port, and install/start commands.
package detector

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/drape/core/internal/domain"
)

// PackageJSON is the subset of package.json fields detection needs.
type PackageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

func (p *PackageJSON) depends(name string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Dependencies[name]
	if ok {
		return true
	}
	_, ok = p.DevDependencies[name]
	return ok
}

func (p *PackageJSON) version(name string) string {
	if p == nil {
		return ""
	}
	if v, ok := p.Dependencies[name]; ok {
		return v
	}
	return p.DevDependencies[name]
}

func (p *PackageJSON) hasScript(name string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Scripts[name]
	return ok
}

// ParsePackageJSON decodes raw package.json bytes; malformed content
// yields (nil, err) so callers can classify the failure as coreerr.Parse.
func ParsePackageJSON(raw []byte) (*PackageJSON, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var pj PackageJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return nil, err
	}
	return &pj, nil
}

// fileSet is a lightweight index over the project's file paths, letting
// detection rules ask "does this basename or glob exist" in O(1)/O(n).
type fileSet struct {
	names map[string]bool
	paths []string
}

func newFileSet(files []domain.File) *fileSet {
	fs := &fileSet{names: make(map[string]bool, len(files))}
	for _, f := range files {
		fs.names[filepath.Base(f.Path)] = true
		fs.paths = append(fs.paths, f.Path)
	}
	return fs
}

func (fs *fileSet) has(name string) bool { return fs.names[name] }

func (fs *fileSet) hasSuffix(suffix string) bool {
	for _, p := range fs.paths {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func (fs *fileSet) hasGlob(pattern string) bool {
	for name := range fs.names {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Detect applies the ordered, first-match-wins rules of §4.6 and
// returns nil when nothing matches (0-file or unrecognised project;
// §8 boundary behaviour: "0-file project yields detected=null").
func Detect(files []domain.File, pkg *PackageJSON) *domain.DetectedProject {
	if len(files) == 0 {
		return nil
	}
	fs := newFileSet(files)

	switch {
	case pkg.depends("expo") || pkg.depends("react-native") || fs.has("app.json"):
		return &domain.DetectedProject{Type: "react-native", Notes: nil}

	case pkg.depends("next"):
		dp := &domain.DetectedProject{
			Type:           "nextjs",
			DefaultPort:    3000,
			InstallCommand: []string{"pnpm", "install"},
			StartCommand:   []string{"pnpm", "run", "dev", "--", "-H", "0.0.0.0", "-p", "3000"},
		}
		if v := pkg.version("next"); isNextDowngradeRange(v) {
			dp.Notes = append(dp.Notes, "next@"+v+" is affected by a known dev-server regression; recommend downgrading to 15.3.0")
		}
		return dp

	case pkg.depends("react") && pkg.hasScript("start"):
		return &domain.DetectedProject{
			Type: "cra", DefaultPort: 8080,
			InstallCommand: []string{"npm", "install"},
			StartCommand:   []string{"sh", "-c", "PORT=8080 npm start"},
		}

	case pkg.depends("vue"):
		return &domain.DetectedProject{
			Type: "vue", DefaultPort: 3000,
			InstallCommand: []string{"pnpm", "install"},
			StartCommand:   []string{"pnpm", "run", "dev", "--", "--host", "0.0.0.0", "--port", "3000"},
		}

	case fs.hasGlob("vite.config.*") || pkg.depends("vite"):
		return &domain.DetectedProject{
			Type: "vite", DefaultPort: 3000,
			InstallCommand: []string{"pnpm", "install"},
			StartCommand:   []string{"pnpm", "run", "dev", "--", "--host", "0.0.0.0", "--port", "3000"},
		}

	case fs.hasGlob("*.csproj") || fs.hasGlob("*.sln"):
		return &domain.DetectedProject{Type: "dotnet"}

	case fs.has("manage.py") && fs.has("wsgi.py"):
		return &domain.DetectedProject{
			Type: "django", DefaultPort: 8000,
			InstallCommand: []string{"pip", "install", "-r", "requirements.txt"},
			StartCommand:   []string{"python", "manage.py", "runserver", "0.0.0.0:8000"},
		}

	case fs.has("app.py") || fs.has("main.py"):
		return &domain.DetectedProject{Type: "python", DefaultPort: 8000}

	case fs.has("pom.xml") || fs.has("build.gradle"):
		return &domain.DetectedProject{Type: "java"}

	case fs.has("go.mod"):
		return &domain.DetectedProject{Type: "go"}

	case fs.has("artisan"):
		return &domain.DetectedProject{Type: "laravel"}

	case fs.has("composer.json"):
		return &domain.DetectedProject{Type: "php"}

	case fs.has("Gemfile") && fs.has("config.ru"):
		return &domain.DetectedProject{Type: "rails"}

	case fs.has("Gemfile"):
		return &domain.DetectedProject{Type: "ruby"}

	case fs.has("index.html") && pkg == nil:
		return &domain.DetectedProject{
			Type: "static", DefaultPort: 8000,
			StartCommand: []string{"drape-static-server", "--port", "8000"},
		}

	default:
		return nil
	}
}

// isNextDowngradeRange reports whether v falls in [16.0.0, 16.1.x], the
// range §4.6 recommends downgrading from, tolerating common semver
// prefixes (^, ~).
func isNextDowngradeRange(v string) bool {
	v = strings.TrimLeft(v, "^~=")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, minor := parts[0], parts[1]
	if major != "16" {
		return false
	}
	return minor == "0" || minor == "1"
}

// NeedsAllowedHosts reports whether t's dev server needs the §4.6
// allowedHosts config patch for the provider's wildcard hostname
// (frameworks with HMR refuse requests from unknown hostnames).
func NeedsAllowedHosts(t string) bool {
	switch t {
	case "vite", "vue":
		return true
	default:
		return false
	}
}

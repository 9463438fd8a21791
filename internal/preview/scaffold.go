package preview

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crewdock/crewdock/internal/common/logger"
)

//go:embed scaffold.yaml
var defaultManifest []byte

// portPlaceholder is substituted with the container-internal dev-server port
// in every manifest file.
const portPlaceholder = "{{PORT}}"

type manifest struct {
	Files []manifestFile `yaml:"files"`
}

type manifestFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// Generator writes a placeholder dev-server project into a team's workspace
// when the team has no repository. The file set is data: a yaml manifest,
// embedded by default and overridable by path.
type Generator struct {
	manifestPath string
	log          *logger.Logger
}

// NewGenerator creates a Generator. manifestPath may be empty to use the
// embedded manifest.
func NewGenerator(manifestPath string, log *logger.Logger) *Generator {
	return &Generator{
		manifestPath: manifestPath,
		log:          log.WithFields(zap.String("component", "preview-scaffold")),
	}
}

// Generate writes the scaffold project into dir. A workspace that already
// holds a project (package.json present) is left untouched so restarts do not
// clobber user edits.
func (g *Generator) Generate(dir string, internalPort int) error {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
		g.log.Debug("workspace already scaffolded", zap.String("dir", dir))
		return nil
	}

	m, err := g.loadManifest()
	if err != nil {
		return err
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("scaffold manifest has no files")
	}

	port := strconv.Itoa(internalPort)
	for _, f := range m.Files {
		if f.Path == "" || filepath.IsAbs(f.Path) || strings.Contains(f.Path, "..") {
			return fmt.Errorf("scaffold manifest: illegal file path %q", f.Path)
		}
		target := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create scaffold directory: %w", err)
		}
		content := strings.ReplaceAll(f.Content, portPlaceholder, port)
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write scaffold file %s: %w", f.Path, err)
		}
	}

	g.log.Info("scaffold project generated",
		zap.String("dir", dir),
		zap.Int("files", len(m.Files)))
	return nil
}

func (g *Generator) loadManifest() (*manifest, error) {
	raw := defaultManifest
	if g.manifestPath != "" {
		data, err := os.ReadFile(g.manifestPath)
		if err != nil {
			return nil, fmt.Errorf("read scaffold manifest %s: %w", g.manifestPath, err)
		}
		raw = data
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse scaffold manifest: %w", err)
	}
	return &m, nil
}

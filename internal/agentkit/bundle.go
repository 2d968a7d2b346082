// Package agentkit packages per-node agent bundles: a zip with the agent
// program, its credentialed configuration, an installer and a README.
// Bundles are built fresh per request and never persisted.
package agentkit

import (
	"archive/zip"
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

//go:embed templates
var templates embed.FS

// bundleConfig is config.json inside the archive — the only artifact besides
// the create-node response that ever carries the credential cleartext.
type bundleConfig struct {
	NodeID        string `json:"node_id"`
	NodeAPIKey    string `json:"node_api_key"`
	NodeName      string `json:"node_name"`
	BackendURL    string `json:"backend_url"`
	ClassifierURL string `json:"classifier_url"`
	Version       string `json:"version"`
}

// Builder assembles agent bundles for one deployment of the backend.
type Builder struct {
	backendURL    string
	classifierURL string
	version       string
	readme        *template.Template
}

func NewBuilder(backendURL, classifierURL, version string) (*Builder, error) {
	readme, err := template.ParseFS(templates, "templates/README.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("agentkit: parse readme template: %w", err)
	}
	return &Builder{
		backendURL:    backendURL,
		classifierURL: classifierURL,
		version:       version,
		readme:        readme,
	}, nil
}

// installers maps the platform route segment to its script template and the
// filename offered to the browser.
var installers = map[string]struct{ tmpl, filename string }{
	"linux":   {"templates/install_linux.sh", "install_sentinel.sh"},
	"macos":   {"templates/install_macos.sh", "install_sentinel.sh"},
	"windows": {"templates/install_windows.ps1", "install_sentinel.ps1"},
}

// InstallScript returns the standalone installer for a platform, or an error
// for platforms we do not package.
func (b *Builder) InstallScript(platform string) ([]byte, string, error) {
	entry, ok := installers[platform]
	if !ok {
		return nil, "", fmt.Errorf("agentkit: no installer for platform %q", platform)
	}
	script, err := templates.ReadFile(entry.tmpl)
	if err != nil {
		return nil, "", fmt.Errorf("agentkit: read installer: %w", err)
	}
	return script, entry.filename, nil
}

// Build assembles the zip archive for one node. apiKey is the freshly minted
// credential cleartext; the caller has already stored its verifier.
func (b *Builder) Build(node *models.Node, apiKey string) ([]byte, error) {
	cfg, err := json.MarshalIndent(bundleConfig{
		NodeID:        node.ID,
		NodeAPIKey:    apiKey,
		NodeName:      node.Name,
		BackendURL:    b.backendURL,
		ClassifierURL: b.classifierURL,
		Version:       b.version,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("agentkit: marshal config: %w", err)
	}

	agent, err := templates.ReadFile("templates/agent.py")
	if err != nil {
		return nil, fmt.Errorf("agentkit: read agent template: %w", err)
	}
	installer, err := templates.ReadFile("templates/install_linux.sh")
	if err != nil {
		return nil, fmt.Errorf("agentkit: read installer template: %w", err)
	}

	var readme bytes.Buffer
	if err := b.readme.Execute(&readme, map[string]string{
		"NodeID":     node.ID,
		"NodeName":   node.Name,
		"BackendURL": b.backendURL,
		"Version":    b.version,
	}); err != nil {
		return nil, fmt.Errorf("agentkit: render readme: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name    string
		content []byte
	}{
		{"config.json", cfg},
		{"agent.py", agent},
		{"install.sh", installer},
		{"README.md", readme.Bytes()},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("agentkit: add %s: %w", f.name, err)
		}
		if _, err := w.Write(f.content); err != nil {
			return nil, fmt.Errorf("agentkit: write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("agentkit: finalise archive: %w", err)
	}
	return buf.Bytes(), nil
}

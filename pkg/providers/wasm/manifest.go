package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name looked up in a provider directory.
const ManifestFile = "provider.yaml"

// Capability is a host resource a provider module may use.
type Capability string

const (
	// CapabilityWorkspace mounts the step's current directory at /workspace.
	CapabilityWorkspace Capability = "fs:workspace"

	// CapabilityEnv passes the run environment to the module.
	CapabilityEnv Capability = "env"

	// CapabilityClock exposes the real wall and monotonic clocks.
	CapabilityClock Capability = "clock"

	// CapabilityRandom seeds random_get from the host CSPRNG.
	CapabilityRandom Capability = "random"
)

// Manifest describes a provider module.
type Manifest struct {
	// Name is the tool the provider stands in for (docker, helm, ...).
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`

	// Entrypoint is the module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex sha256 of the module. Empty skips verification.
	Checksum string `yaml:"checksum" validate:"omitempty,len=64,hexadecimal"`

	Capabilities []Capability `yaml:"capabilities" validate:"dive,oneof=fs:workspace env clock random"`

	// Path is the manifest file the manifest was read from.
	Path string `yaml:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseManifest decodes and validates a manifest. path is used to resolve
// the entrypoint.
func ParseManifest(data []byte, path string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if filepath.IsAbs(m.Entrypoint) || strings.HasPrefix(filepath.Clean(m.Entrypoint), "..") {
		return nil, fmt.Errorf("invalid manifest %s: entrypoint must stay inside the provider directory", path)
	}
	m.Path = path
	return &m, nil
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data, path)
}

// Has reports whether the manifest requests c.
func (m *Manifest) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ModulePath returns the absolute location of the entrypoint.
func (m *Manifest) ModulePath() string {
	return filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
}

// ReadModule reads the entrypoint and verifies its checksum.
func (m *Manifest) ReadModule() ([]byte, error) {
	wasm, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	if m.Checksum != "" {
		sum := sha256.Sum256(wasm)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, m.Checksum) {
			return nil, fmt.Errorf("module %s checksum mismatch: expected %s, got %s", m.Entrypoint, m.Checksum, got)
		}
	}
	return wasm, nil
}

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultModuleSizeLimit = 1 << 20 // 1 MiB

// PolicyModule references a Rego module on disk.
type PolicyModule struct {
	Path string `yaml:"path"`
	// SHA256 optionally pins the module contents. A "sha256:" prefix is accepted.
	SHA256 string `yaml:"sha256"`
}

// LoadPolicyModules reads and verifies the configured Rego modules, keyed by
// file name. Relative paths resolve against baseDir.
func LoadPolicyModules(baseDir string, modules []PolicyModule) (map[string]string, error) {
	out := make(map[string]string, len(modules))
	for _, module := range modules {
		path := module.Path
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		path = filepath.Clean(path)

		data, err := readModule(path, defaultModuleSizeLimit, module.SHA256)
		if err != nil {
			return nil, fmt.Errorf("load policy module %s: %w", module.Path, err)
		}

		name := filepath.Base(path)
		if _, exists := out[name]; exists {
			return nil, fmt.Errorf("duplicate policy module name %s", name)
		}
		out[name] = string(data)
	}
	return out, nil
}

func readModule(path string, limit int64, expectedDigest string) ([]byte, error) {
	file, err := os.Open(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("module is empty")
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("module exceeds size limit (%d bytes)", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	if err := verifyDigest(expectedDigest, computeSHA256Hex(data)); err != nil {
		return nil, err
	}
	return data, nil
}

func computeSHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func verifyDigest(expected, actual string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	normalized := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(expected)), "sha256:")
	if normalized != actual {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", normalized, actual)
	}
	return nil
}

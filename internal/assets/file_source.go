package assets

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource loads the asset inventory from a YAML file. The file is
// re-read on every fetch so operators can edit it without a restart.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by the given inventory file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type inventoryFile struct {
	Assets []Asset `yaml:"assets"`
}

// FetchAssets reads and parses the inventory file.
func (f *FileSource) FetchAssets(ctx context.Context) ([]Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset inventory: %w", err)
	}

	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse asset inventory: %w", err)
	}

	return file.Assets, nil
}

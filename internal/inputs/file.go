package inputs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// FileSource reads YAML fixtures laid out as
//
//	<root>/<location>/contracts.yaml
//	<root>/<location>/images/<date>.yaml
//	<root>/<location>/planograms.yaml
type FileSource struct {
	Root string
}

// NewFileSource returns a source rooted at dir.
func NewFileSource(dir string) (*FileSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("inputs: data dir is required")
	}
	return &FileSource{Root: filepath.Clean(dir)}, nil
}

func (s *FileSource) Contracts(ctx context.Context, locationID string) ([]domain.Contract, error) {
	in, err := s.read(ctx, locationID, "contracts.yaml")
	if err != nil {
		return nil, err
	}
	return in.Contracts, nil
}

func (s *FileSource) Images(ctx context.Context, locationID, date string) ([]domain.Image, error) {
	in, err := s.read(ctx, locationID, filepath.Join("images", date+".yaml"))
	if err != nil {
		return nil, err
	}
	return in.Images, nil
}

func (s *FileSource) Planograms(ctx context.Context, locationID string) ([]domain.Planogram, error) {
	in, err := s.read(ctx, locationID, "planograms.yaml")
	if err != nil {
		return nil, err
	}
	return in.Planograms, nil
}

func (s *FileSource) read(ctx context.Context, locationID, name string) (domain.Inputs, error) {
	if err := ctx.Err(); err != nil {
		return domain.Inputs{}, err
	}
	if err := validLocation(locationID); err != nil {
		return domain.Inputs{}, err
	}
	path := filepath.Join(s.Root, locationID, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Inputs{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return domain.Inputs{}, fmt.Errorf("%w: read %s: %v", ErrTransient, path, err)
	}
	var in domain.Inputs
	if err := yaml.Unmarshal(data, &in); err != nil {
		return domain.Inputs{}, fmt.Errorf("inputs: parse %s: %w", path, err)
	}
	return in, nil
}

// WriteFixtures stores in under root using the FileSource layout. Images are
// written to the file for date.
func WriteFixtures(root, locationID, date string, in domain.Inputs) error {
	if err := validLocation(locationID); err != nil {
		return err
	}
	dir := filepath.Join(root, locationID)
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return fmt.Errorf("inputs: ensure %s: %w", dir, err)
	}
	files := map[string]domain.Inputs{
		"contracts.yaml":                       {Contracts: in.Contracts},
		"planograms.yaml":                      {Planograms: in.Planograms},
		filepath.Join("images", date+".yaml"): {Images: in.Images},
	}
	for name, part := range files {
		data, err := yaml.Marshal(part)
		if err != nil {
			return fmt.Errorf("inputs: encode %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("inputs: write %s: %w", name, err)
		}
	}
	return nil
}

func validLocation(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("inputs: invalid location id %q", id)
	}
	return nil
}

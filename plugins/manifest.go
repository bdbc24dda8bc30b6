package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadedDefinition is a runner definition and the file it came from. Go
// files that declare several runners get a #n suffix per entry.
type LoadedDefinition struct {
	Definition RunnerDefinition
	Source     string
}

// DecodeDefinition parses a single YAML runner definition. Unknown keys are
// rejected.
func DecodeDefinition(data []byte) (RunnerDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def RunnerDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return RunnerDefinition{}, errors.New("plugin: runner definition is empty")
		}
		return RunnerDefinition{}, fmt.Errorf("plugin: decode runner definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return RunnerDefinition{}, err
	}
	return def.Normalized(), nil
}

// LoadDefinitions reads every runner definition kept in dir: one per YAML
// file, and whatever RunnerDefinitions() returns for each Go file. YAML
// sources come first, each group in file name order. A missing dir holds no
// runners.
func LoadDefinitions(dir string) ([]LoadedDefinition, error) {
	yamlPaths, goPaths, err := scanRunnersDir(dir)
	if err != nil {
		return nil, err
	}
	var loaded []LoadedDefinition
	for _, path := range yamlPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("plugin: read %s: %w", path, err)
		}
		def, err := DecodeDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		loaded = append(loaded, LoadedDefinition{Definition: def, Source: path})
	}
	for _, path := range goPaths {
		defs, err := loadGoDefinitions(path)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, defs...)
	}
	return loaded, nil
}

// scanRunnersDir splits the files of dir by kind. os.ReadDir sorts by name.
func scanRunnersDir(dir string) (yamlPaths, goPaths []string, err error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("plugin: read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			yamlPaths = append(yamlPaths, path)
		case ".go":
			goPaths = append(goPaths, path)
		}
	}
	return yamlPaths, goPaths, nil
}

package devices

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"gopkg.in/yaml.v3"
)

//go:embed builtin/*
var builtinFS embed.FS

var extensions = []string{".json", ".yaml", ".yml"}

// DescriptorLoader resolves device kinds to descriptors. Files in the
// search paths shadow the built-in descriptors.
type DescriptorLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewDescriptorLoader(searchPaths []string) (*DescriptorLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &DescriptorLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

func fileBase(kind string) string {
	return strings.ToLower(kind)
}

// Load returns the descriptor of the given kind, e.g. "TOF_SENSORS".
func (l *DescriptorLoader) Load(kind string) (*contract.Descriptor, error) {
	kind = strings.ToUpper(kind)
	if cached, ok := l.cache.Load(kind); ok {
		return cached.(*contract.Descriptor), nil
	}

	data, foundPath, err := l.find(fileBase(kind))
	if err != nil {
		return nil, err
	}

	desc, err := l.Parse(data, filepath.Ext(foundPath))
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", foundPath, err)
	}
	if desc.Kind != kind {
		return nil, fmt.Errorf("descriptor %s declares kind %s, expected %s", foundPath, desc.Kind, kind)
	}

	l.cache.Store(kind, desc)
	return desc, nil
}

func (l *DescriptorLoader) find(base string) ([]byte, string, error) {
	for _, searchPath := range l.searchPaths {
		for _, ext := range extensions {
			fullPath := filepath.Join(searchPath, base+ext)
			data, err := os.ReadFile(fullPath)
			if err == nil {
				return data, fullPath, nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, "", fmt.Errorf("read %s: %w", fullPath, err)
			}
		}
	}
	for _, ext := range extensions {
		name := "builtin/" + base + ext
		if data, err := builtinFS.ReadFile(name); err == nil {
			return data, name, nil
		}
	}
	return nil, "", errcode.New(errcode.NotFound, "devices.Load",
		"descriptor %s not found (searched in: %v and built-ins)", base, l.searchPaths)
}

// Parse decodes, schema-validates and checks a JSON or YAML descriptor.
func (l *DescriptorLoader) Parse(data []byte, ext string) (*contract.Descriptor, error) {
	if ext == ".yaml" || ext == ".yml" {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML: %w", err)
		}
		data = converted
	}

	if err := l.validator.ValidateDescriptor(data); err != nil {
		return nil, err
	}

	var desc contract.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Kinds lists every kind available from the search paths and built-ins.
func (l *DescriptorLoader) Kinds() []string {
	seen := make(map[string]bool)
	add := func(name string) {
		ext := filepath.Ext(name)
		for _, known := range extensions {
			if ext == known {
				seen[strings.ToUpper(strings.TrimSuffix(filepath.Base(name), ext))] = true
			}
		}
	}

	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				add(e.Name())
			}
		}
	}
	if entries, err := builtinFS.ReadDir("builtin"); err == nil {
		for _, e := range entries {
			add(e.Name())
		}
	}

	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (l *DescriptorLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

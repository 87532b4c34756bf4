package party

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Parse decodes one party definition.
func Parse(source string, data []byte) (Party, error) {
	var party Party
	meta, err := toml.Decode(string(data), &party)
	if err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return Party{}, fmt.Errorf("parse party file %s: %s", source, parseErr.ErrorWithPosition())
		}
		return Party{}, fmt.Errorf("parse party file %s: %w", source, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Party{}, fmt.Errorf("%s: %w", filepath.Base(source), &ValidationError{
			Path:    undecoded[0].String(),
			Message: "unknown field",
		})
	}
	if strings.TrimSpace(party.ID) == "" {
		party.ID = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	party.Source = source
	if err := party.Validate(); err != nil {
		return Party{}, fmt.Errorf("%s: %w", filepath.Base(source), err)
	}
	return party, nil
}

func LoadFile(filePath string) (Party, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Party{}, err
	}
	return Parse(filePath, data)
}

// LoadFS reads every *.toml file in dir. Invalid files are reported and skipped.
func LoadFS(fsys fs.FS, dir string) (map[string]Party, []error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return map[string]Party{}, []error{err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(path.Ext(entry.Name()), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	parties := make(map[string]Party, len(names))
	var errs []error
	for _, name := range names {
		source := path.Join(dir, name)
		data, err := fs.ReadFile(fsys, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		party, err := Parse(source, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existing, ok := parties[party.ID]; ok {
			errs = append(errs, fmt.Errorf("%s: party %q already defined in %s", source, party.ID, existing.Source))
			continue
		}
		parties[party.ID] = party
	}
	return parties, errs
}

// LoadDir reads party files from a directory on disk.
func LoadDir(dir string) (map[string]Party, []error) {
	parties, errs := LoadFS(os.DirFS(dir), ".")
	for id, party := range parties {
		party.Source = filepath.Join(dir, party.Source)
		parties[id] = party
	}
	return parties, errs
}

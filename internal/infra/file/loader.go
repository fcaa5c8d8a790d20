package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"physiquest-session/internal/domain"
)

var extensions = []string{".yaml", ".yml"}

// Loader reads question sets from <dir>/<setID>.yaml.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

func (l *Loader) LoadQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error) {
	if err := ctx.Err(); err != nil {
		return domain.QuestionSet{}, err
	}
	if setID == "" || strings.ContainsAny(setID, `/\`) || strings.Contains(setID, "..") {
		return domain.QuestionSet{}, fmt.Errorf("%w: %q", domain.ErrQuestionSetNotFound, setID)
	}
	for _, ext := range extensions {
		set, err := ReadFile(filepath.Join(l.dir, setID+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return domain.QuestionSet{}, err
		}
		if set.ID == "" {
			set.ID = setID
		}
		return set, nil
	}
	return domain.QuestionSet{}, fmt.Errorf("%w: %q in %s", domain.ErrQuestionSetNotFound, setID, l.dir)
}

// IDs lists the sets available in the directory.
func (l *Loader) IDs() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, known := range extensions {
			if ext == known {
				ids = append(ids, strings.TrimSuffix(e.Name(), ext))
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadFile parses a single YAML question set. The set is not validated.
func ReadFile(path string) (domain.QuestionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.QuestionSet{}, err
	}
	var set domain.QuestionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return domain.QuestionSet{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidQuestionSet, filepath.Base(path), err)
	}
	if set.ID == "" {
		set.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return set, nil
}

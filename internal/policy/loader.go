package policy

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader parses policy documents from bytes, files, and directories. It
// performs no validation beyond YAML well-formedness; documents only become
// policies through the Validator (normally via the Catalog).
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger}
}

// ParseDocuments parses one or more YAML documents (--- separated). JSON is
// accepted as a YAML subset.
func (l *Loader) ParseDocuments(data []byte) ([]*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var docs []*Document
	for {
		var doc Document
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy document: %w", err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// LoadFile parses all documents in a single policy file.
func (l *Loader) LoadFile(path string) ([]*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	docs, err := l.ParseDocuments(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

// LoadDirectory parses every .yaml/.yml/.json file in a directory. Any
// malformed file fails the whole load so that a reload never installs a
// partial policy set.
func (l *Loader) LoadDirectory(dir string) ([]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var docs []*Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		fileDocs, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}

		l.logger.Debug("Loaded policy file",
			zap.String("file", path),
			zap.Int("documents", len(fileDocs)),
		)
		docs = append(docs, fileDocs...)
	}

	return docs, nil
}

package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dshills/dataflow-go/graph"
)

// FileStore assembles uploaded resources in a temporary directory and
// serves the completed ones from memory.
//
// Thread-safety: all methods are safe for concurrent use.
type FileStore struct {
	logger logr.Logger

	mu      sync.RWMutex
	dir     string
	files   map[Descriptor]string
	entries map[Kind]map[string][]byte
}

var _ graph.ResourceProvider = (*FileStore)(nil)

// NewFileStore creates a store in a fresh directory below root (the system
// temp directory when empty).
func NewFileStore(root string, logger logr.Logger) (*FileStore, error) {
	dir, err := os.MkdirTemp(root, "dataflow-resources")
	if err != nil {
		return nil, fmt.Errorf("create resource directory: %w", err)
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &FileStore{
		logger: logger.WithName("resources"),
		dir:    dir,
		files:  make(map[Descriptor]string),
		entries: map[Kind]map[string][]byte{
			KindData:    {},
			KindCode:    {},
			KindArchive: {},
		},
	}, nil
}

// Dir returns the storage directory, or "" after Destroy.
func (s *FileStore) Dir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

// UpdateResource writes one part at its offset in the resource's file,
// creating the file on the first part.
func (s *FileStore) UpdateResource(part Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return ErrDestroyed
	}

	path, ok := s.files[part.Descriptor]
	if !ok {
		path = filepath.Join(s.dir, filepath.Base(part.Descriptor.ID)+"-"+uuid.NewString())
		s.files[part.Descriptor] = path
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open resource %s: %w", part.Descriptor.ID, err)
	}
	if _, err := f.WriteAt(part.Bytes, part.Offset); err != nil {
		_ = f.Close()
		return fmt.Errorf("write resource %s at %d: %w", part.Descriptor.ID, part.Offset, err)
	}
	return f.Close()
}

// CompleteResource reads the assembled resource and registers it according
// to its kind.
func (s *FileStore) CompleteResource(desc Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return ErrDestroyed
	}

	path, ok := s.files[desc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, desc.ID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read resource %s: %w", desc.ID, err)
	}

	switch desc.Kind {
	case KindArchive:
		n, err := s.loadArchive(data)
		if err != nil {
			return fmt.Errorf("expand archive %s: %w", desc.ID, err)
		}
		s.logger.V(1).Info("archive registered", "id", desc.ID, "entries", n)
	case KindCode, KindData:
		s.entries[desc.Kind][desc.ID] = data
		s.logger.V(1).Info("resource registered", "id", desc.ID, "kind", desc.Kind.String(), "bytes", len(data))
	default:
		return fmt.Errorf("unhandled resource kind %v", desc.Kind)
	}
	return nil
}

func (s *FileStore) loadArchive(data []byte) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return n, err
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return n, fmt.Errorf("entry %s: %w", f.Name, err)
		}
		s.entries[KindArchive][f.Name] = b
		n++
	}
	return n, nil
}

// Lookup implements graph.ResourceProvider. Data resources shadow code
// resources, which shadow archive entries of the same name.
func (s *FileStore) Lookup(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dir == "" {
		return nil, fmt.Errorf("%w: %s: %v", graph.ErrResourceUnavailable, id, ErrDestroyed)
	}
	for _, kind := range []Kind{KindData, KindCode, KindArchive} {
		if b, ok := s.entries[kind][id]; ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", graph.ErrResourceUnavailable, id)
}

// IDs returns the sorted ids registered for a kind.
func (s *FileStore) IDs(kind Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries[kind]))
	for id := range s.entries[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Each calls fn for every registered resource until fn returns an error.
func (s *FileStore) Each(fn func(kind Kind, id string, data []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, kind := range []Kind{KindData, KindCode, KindArchive} {
		for id, b := range s.entries[kind] {
			if err := fn(kind, id, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Destroy deletes the storage directory and makes the store unusable. It
// is safe to call more than once.
func (s *FileStore) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	if err != nil {
		s.logger.Error(err, "failed to delete resource directory", "dir", s.dir)
	}
	s.dir = ""
	s.files = map[Descriptor]string{}
	for kind := range s.entries {
		s.entries[kind] = map[string][]byte{}
	}
	return err
}

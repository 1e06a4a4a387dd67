package store

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/lkarlslund/gravitygate/pkg/config"
)

// ModelMapping rewrites a requested model name to the one actually sent
// upstream. User mappings complement the built-in alias table.
type ModelMapping struct {
	ID          string `toml:"id" json:"id"`
	SourceModel string `toml:"source_model" json:"source_model"`
	TargetModel string `toml:"target_model" json:"target_model"`
	Description string `toml:"description,omitempty" json:"description,omitempty"`
}

type mappingFile struct {
	Mappings []ModelMapping `toml:"mappings"`
}

var ErrMappingNotFound = errors.New("mapping not found")

type MappingStore interface {
	List() ([]ModelMapping, error)
	Put(m ModelMapping) (ModelMapping, error)
	Delete(id string) error
}

type FileMappingStore struct {
	mu   sync.Mutex
	path string
}

func NewFileMappingStore(path string) *FileMappingStore {
	return &FileMappingStore{path: path}
}

func (s *FileMappingStore) List() ([]ModelMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileMappingStore) Put(m ModelMapping) (ModelMapping, error) {
	m.SourceModel = strings.TrimSpace(m.SourceModel)
	m.TargetModel = strings.TrimSpace(m.TargetModel)
	m.Description = strings.TrimSpace(m.Description)
	if m.SourceModel == "" || m.TargetModel == "" {
		return ModelMapping{}, errors.New("source_model and target_model are required")
	}
	if m.ID == "" {
		m.ID = mappingID(m.SourceModel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return ModelMapping{}, err
	}
	replaced := false
	for i := range all {
		if all[i].ID == m.ID || strings.EqualFold(all[i].SourceModel, m.SourceModel) {
			all[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, m)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].SourceModel < all[j].SourceModel })
	if err := s.saveLocked(all); err != nil {
		return ModelMapping{}, err
	}
	return m, nil
}

func (s *FileMappingStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := all[:0]
	found := false
	for _, m := range all {
		if m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return ErrMappingNotFound
	}
	return s.saveLocked(kept)
}

func (s *FileMappingStore) loadLocked() ([]ModelMapping, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mappings: %w", err)
	}
	var f mappingFile
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}
	return f.Mappings, nil
}

func (s *FileMappingStore) saveLocked(all []ModelMapping) error {
	return config.Save(s.path, &mappingFile{Mappings: all})
}

func mappingID(source string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(source)))
	return fmt.Sprintf("map-%x", h.Sum64())
}

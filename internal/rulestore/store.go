// Package rulestore persists the IP filter rule set across restarts.
package rulestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
)

// FileName is the name of the rules file inside the data directory.
const FileName = "ipfilter_rules.json.zst"

const formatVersion = 1

// Store saves and loads rules as zstd-compressed JSON.
type Store struct {
	mu       sync.Mutex
	filePath string

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// persistedRule is one rule as saved to disk.
type persistedRule struct {
	First  string `json:"first"`
	Last   string `json:"last"`
	Access string `json:"access"`
}

// persistedData is the JSON structure saved to disk.
type persistedData struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Rules   []persistedRule `json:"rules"`
}

// New creates a store rooted at dataDir, creating the directory if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{
		filePath: filepath.Join(dataDir, FileName),
		encoder:  enc,
		decoder:  dec,
	}, nil
}

// Path returns the rules file path.
func (s *Store) Path() string {
	return s.filePath
}

// Save writes rules to disk, replacing any previous rule set.
func (s *Store) Save(rules []ipfilter.Range) error {
	persisted := persistedData{
		Version: formatVersion,
		SavedAt: time.Now().UTC(),
		Rules:   make([]persistedRule, len(rules)),
	}
	for i, r := range rules {
		persisted.Rules[i] = persistedRule{
			First:  r.First.String(),
			Last:   r.Last.String(),
			Access: r.Access.String(),
		}
	}

	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write atomically by writing to temp file then renaming
	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, s.encoder.EncodeAll(data, nil), 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.filePath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load reads the saved rules. A missing file yields no rules and no error.
func (s *Store) Load() ([]ipfilter.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	compressed, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress rules: %w", err)
	}

	var persisted persistedData
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if persisted.Version != formatVersion {
		return nil, fmt.Errorf("unsupported rules format version %d", persisted.Version)
	}

	rules := make([]ipfilter.Range, 0, len(persisted.Rules))
	for i, pr := range persisted.Rules {
		access, err := ipfilter.ParseAccess(pr.Access)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r, err := ipfilter.ParseRange(pr.First+"-"+pr.Last, access)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Close releases the compression resources.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

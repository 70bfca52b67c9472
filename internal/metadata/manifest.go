// Package metadata keeps a local manifest of every rollup parquet
// object shipped to S3 so exports can be audited and re-driven without
// listing the bucket.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExportedObject describes one parquet object uploaded by the exporter.
type ExportedObject struct {
	Key         string    `json:"key"`
	Bucket      string    `json:"bucket"`
	Period      string    `json:"period"`
	Symbol      string    `json:"symbol"`
	SizeBytes   int64     `json:"size_bytes"`
	BucketCount int64     `json:"bucket_count"`
	FromMs      int64     `json:"from_ms"`
	ToMs        int64     `json:"to_ms"`
	ExportedAt  time.Time `json:"exported_at"`
}

type manifestFile struct {
	ManifestID string           `json:"manifest_id"`
	Bucket     string           `json:"bucket"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Objects    []ExportedObject `json:"objects"`
}

// Manifest appends exported objects to a JSON manifest on local disk.
// A fresh manifest ID is minted per process so restarts are visible in
// the audit trail.
type Manifest struct {
	mu     sync.Mutex
	dir    string
	bucket string
	id     string
	loaded bool
	state  manifestFile
}

// NewManifest returns a manifest rooted at dir for the given S3 bucket.
func NewManifest(dir, bucket string) *Manifest {
	return &Manifest{dir: dir, bucket: bucket, id: uuid.NewString()}
}

func (m *Manifest) path() string {
	return filepath.Join(m.dir, "export-manifest.json")
}

func (m *Manifest) load() error {
	if m.loaded {
		return nil
	}
	b, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			m.state = manifestFile{ManifestID: m.id, Bucket: m.bucket}
			m.loaded = true
			return nil
		}
		return err
	}
	if err := json.Unmarshal(b, &m.state); err != nil {
		return fmt.Errorf("parse export manifest: %w", err)
	}
	m.state.ManifestID = m.id
	m.state.Bucket = m.bucket
	m.loaded = true
	return nil
}

// Record appends one exported object and rewrites the manifest.
func (m *Manifest) Record(obj ExportedObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(); err != nil {
		return err
	}
	if obj.ExportedAt.IsZero() {
		obj.ExportedAt = time.Now().UTC()
	}
	obj.Bucket = m.bucket
	m.state.Objects = append(m.state.Objects, obj)
	m.state.UpdatedAt = obj.ExportedAt
	return m.write()
}

// Objects returns a copy of the recorded exports, oldest first.
func (m *Manifest) Objects() ([]ExportedObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(); err != nil {
		return nil, err
	}
	out := make([]ExportedObject, len(m.state.Objects))
	copy(out, m.state.Objects)
	return out, nil
}

func (m *Manifest) write() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path())
}

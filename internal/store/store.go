// Package store persists the document catalog in BoltDB. Records are
// keyed by document id; client scoping is enforced by the callers through
// the ClientID field on every read path.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/boardroom-tee/fabric/internal/analysis"
)

var (
	bucketDocuments = []byte("documents")
	bucketSettings  = []byte("settings")
)

// Document is one catalog record. Status is "completed" or "failed"; a
// completed record always carries a categorization.
type Document struct {
	DocumentID     string                   `json:"document_id"`
	UploadID       string                   `json:"upload_id"`
	ClientID       string                   `json:"client_id"`
	Filename       string                   `json:"filename"`
	FileType       string                   `json:"file_type"`
	FileSize       int64                    `json:"file_size"`
	Status         string                   `json:"status"`
	ContentHash    string                   `json:"content_hash"`
	StoragePath    string                   `json:"storage_path"`
	Metadata       map[string]string        `json:"metadata,omitempty"`
	Categorization *analysis.Categorization `json:"categorization,omitempty"`
	UploadDate     time.Time                `json:"upload_date"`
	ProcessingDate time.Time                `json:"processing_date"`
	Error          string                   `json:"error,omitempty"`
}

// SearchFilters narrows a catalog scan. Zero values match everything.
type SearchFilters struct {
	Department   string
	DocumentType string
	DateFrom     time.Time
	DateTo       time.Time
}

// Store wraps a BoltDB database for catalog persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutDocument upserts a catalog record. The write is atomic: readers see
// either the previous record or the new one, never a partial.
func (s *Store) PutDocument(doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", doc.DocumentID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(doc.DocumentID), data)
	})
}

// GetDocument returns the record for the given id, or nil if absent.
func (s *Store) GetDocument(documentID string) (*Document, error) {
	var doc *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get([]byte(documentID))
		if v == nil {
			return nil
		}
		doc = &Document{}
		return json.Unmarshal(v, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", documentID, err)
	}
	return doc, nil
}

// DeleteDocument removes a record. Deleting a missing id is a no-op.
func (s *Store) DeleteDocument(documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete([]byte(documentID))
	})
}

// SearchDocuments scans the client's records applying the filters.
// Failed records surface too, flagged by Status, so clients can audit
// processing outcomes; categorization filters naturally exclude them.
// Results are ordered by upload date, newest first.
func (s *Store) SearchDocuments(clientID string, filters SearchFilters) ([]*Document, error) {
	var out []*Document
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if doc.ClientID != clientID {
				return nil
			}
			if !matches(&doc, filters) {
				return nil
			}
			out = append(out, &doc)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadDate.After(out[j].UploadDate)
	})
	return out, nil
}

func matches(doc *Document, f SearchFilters) bool {
	if f.Department != "" {
		if doc.Categorization == nil || doc.Categorization.Department != f.Department {
			return false
		}
	}
	if f.DocumentType != "" {
		if doc.Categorization == nil || doc.Categorization.DocumentType != f.DocumentType {
			return false
		}
	}
	if !f.DateFrom.IsZero() && doc.UploadDate.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && doc.UploadDate.After(f.DateTo) {
		return false
	}
	return true
}

// CountDocuments returns the number of catalog records for a client.
func (s *Store) CountDocuments(clientID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if doc.ClientID == clientID {
				count++
			}
			return nil
		})
	})
	return count, err
}

// GetSetting reads an operator setting. Returns "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSettings).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// SetSetting writes an operator setting.
func (s *Store) SetSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

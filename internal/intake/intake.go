// Package intake runs the document upload pipeline: persist the blob,
// hash it, extract text, categorize, then publish the record to the
// catalog. The catalog only ever sees a completed record after
// categorization succeeded; failures leave a failed record or nothing.
package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boardroom-tee/fabric/internal/analysis"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/metrics"
	"github.com/boardroom-tee/fabric/internal/store"
)

// Stored text is capped so one giant upload cannot bloat the processed
// directory.
const maxStoredText = 50000

// Processor runs uploads through extraction and categorization into the
// catalog.
type Processor struct {
	uploadsDir   string
	processedDir string
	catalog      *store.Store
	extractor    analysis.Extractor
	categorizer  analysis.Categorizer
	clock        clock.Clock
	log          *logging.Logger
}

// Result is returned to the uploader.
type Result struct {
	Status         string                   `json:"status"`
	UploadID       string                   `json:"upload_id"`
	DocumentID     string                   `json:"document_id"`
	Categorization *analysis.Categorization `json:"categorization,omitempty"`
	ProcessedAt    time.Time                `json:"processing_time"`
}

// NewProcessor creates the pipeline rooted at dataDir, creating the
// uploads and processed directories as needed.
func NewProcessor(dataDir string, catalog *store.Store, ex analysis.Extractor, cat analysis.Categorizer, clk clock.Clock, log *logging.Logger) (*Processor, error) {
	p := &Processor{
		uploadsDir:   filepath.Join(dataDir, "uploads"),
		processedDir: filepath.Join(dataDir, "processed"),
		catalog:      catalog,
		extractor:    ex,
		categorizer:  cat,
		clock:        clk,
		log:          log,
	}
	for _, dir := range []string{p.uploadsDir, p.processedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create intake dir: %w", err)
		}
	}
	return p, nil
}

// Process ingests one upload for a client. On extraction or
// categorization failure a failed record is written so the client can
// observe the outcome; earlier failures leave no record at all.
func (p *Processor) Process(content []byte, filename string, metadata map[string]string, clientID string) (*Result, error) {
	uploadID := "upload_" + shortID(12)
	documentID := "doc_" + shortID(12)
	now := p.clock.Now()

	safeName := filepath.Base(filename)
	uploadPath := filepath.Join(p.uploadsDir, uploadID+"_"+safeName)
	if err := os.WriteFile(uploadPath, content, 0644); err != nil {
		metrics.DocumentsTotal.WithLabelValues("failed").Inc()
		return nil, errkind.Wrap(errkind.Internal, "store upload", err)
	}

	sum := sha256.Sum256(content)
	doc := &store.Document{
		DocumentID:  documentID,
		UploadID:    uploadID,
		ClientID:    clientID,
		Filename:    safeName,
		FileType:    FileKind(safeName),
		FileSize:    int64(len(content)),
		ContentHash: hex.EncodeToString(sum[:]),
		Metadata:    metadata,
		UploadDate:  now,
	}

	text := p.extractor.Extract(content, safeName)
	if text == "" {
		return nil, p.fail(doc, "failed to extract text content from document")
	}

	categorization := p.categorizer.Categorize(text, safeName)

	processedPath := filepath.Join(p.processedDir, documentID+".json")
	processed, err := json.Marshal(map[string]any{
		"document_id":    documentID,
		"text_content":   truncate(text, maxStoredText),
		"categorization": categorization,
		"metadata":       metadata,
	})
	if err == nil {
		err = os.WriteFile(processedPath, processed, 0644)
	}
	if err != nil {
		return nil, p.fail(doc, fmt.Sprintf("store processed content: %v", err))
	}

	doc.Status = "completed"
	doc.StoragePath = processedPath
	doc.Categorization = &categorization
	doc.ProcessingDate = p.clock.Now()
	if err := p.catalog.PutDocument(doc); err != nil {
		metrics.DocumentsTotal.WithLabelValues("failed").Inc()
		return nil, errkind.Wrap(errkind.Internal, "catalog write", err)
	}

	metrics.DocumentsTotal.WithLabelValues("completed").Inc()
	metrics.DocumentBytes.Observe(float64(len(content)))
	p.log.Info("document processed",
		"document_id", documentID,
		"client_id", clientID,
		"department", categorization.Department)

	return &Result{
		Status:         "completed",
		UploadID:       uploadID,
		DocumentID:     documentID,
		Categorization: &categorization,
		ProcessedAt:    doc.ProcessingDate,
	}, nil
}

// fail writes a failed catalog record and returns the pipeline error.
func (p *Processor) fail(doc *store.Document, reason string) error {
	doc.Status = "failed"
	doc.Error = reason
	doc.ProcessingDate = p.clock.Now()
	if err := p.catalog.PutDocument(doc); err != nil {
		p.log.Error("record failed upload", "document_id", doc.DocumentID, "error", err)
	}
	metrics.DocumentsTotal.WithLabelValues("failed").Inc()
	p.log.Warn("document processing failed",
		"document_id", doc.DocumentID, "reason", reason)
	return errkind.New(errkind.BadRequest, reason)
}

// Get returns a client's document. Another client's document answers
// forbidden, an unknown id answers not_found.
func (p *Processor) Get(documentID, clientID string) (*store.Document, error) {
	doc, err := p.catalog.GetDocument(documentID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "catalog read", err)
	}
	if doc == nil {
		return nil, errkind.Newf(errkind.NotFound, "document %q not found", documentID)
	}
	if doc.ClientID != clientID {
		return nil, errkind.New(errkind.Forbidden, "document belongs to another client")
	}
	return doc, nil
}

// Search lists the client's documents matching the filters.
func (p *Processor) Search(clientID string, filters store.SearchFilters) ([]*store.Document, error) {
	docs, err := p.catalog.SearchDocuments(clientID, filters)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "catalog search", err)
	}
	return docs, nil
}

// Delete removes a client's catalog record and its processed content.
// Ownership rules match Get. The raw upload blob stays for audit.
func (p *Processor) Delete(documentID, clientID string) error {
	doc, err := p.Get(documentID, clientID)
	if err != nil {
		return err
	}
	if err := p.catalog.DeleteDocument(doc.DocumentID); err != nil {
		return errkind.Wrap(errkind.Internal, "catalog delete", err)
	}
	if doc.StoragePath != "" {
		if err := os.Remove(doc.StoragePath); err != nil && !os.IsNotExist(err) {
			p.log.Warn("remove processed content failed",
				"document_id", documentID, "path", doc.StoragePath, "error", err)
		}
	}
	p.log.Info("document deleted", "document_id", documentID, "client_id", clientID)
	return nil
}

// Count reports how many catalog records the client holds, failed ones
// included.
func (p *Processor) Count(clientID string) (int, error) {
	n, err := p.catalog.CountDocuments(clientID)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, "catalog count", err)
	}
	return n, nil
}

// FileKind maps a filename extension to its coarse document kind.
func FileKind(filename string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "pdf":
		return "pdf"
	case "docx", "doc":
		return "word"
	case "xlsx", "xls":
		return "excel"
	case "csv":
		return "csv"
	case "txt":
		return "text"
	case "eml", "msg":
		return "email"
	default:
		return "other"
	}
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package sink stores harvested payslips on disk and records them in the store.
package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/fsutil"
)

// Recorder is the document and identity side of the store.
type Recorder interface {
	HasDocument(ctx context.Context, vendorID string) (bool, error)
	SaveDocuments(ctx context.Context, docs []schemas.PayslipDocument, opts schemas.SaveOptions) (int, error)
	SaveIdentity(ctx context.Context, sourceAccount string, record schemas.IdentityRecord) error
}

// Fetcher downloads one file.
type Fetcher interface {
	Fetch(ctx context.Context, url, token string) ([]byte, string, error)
}

// FileSink writes payslips under outputDir/subPath/filename.
type FileSink struct {
	outputDir string
	store     Recorder
	fetcher   Fetcher
	logger    *zap.Logger
}

// NewFileSink builds a FileSink.
func NewFileSink(outputDir string, store Recorder, fetcher Fetcher, logger *zap.Logger) *FileSink {
	return &FileSink{outputDir: outputDir, store: store, fetcher: fetcher, logger: logger.Named("sink")}
}

// Path returns where a document is written.
func (s *FileSink) Path(doc schemas.PayslipDocument, opts schemas.SaveOptions) string {
	return filepath.Join(s.outputDir, fsutil.SafeName(opts.SubPath), fsutil.SafeName(doc.Filename))
}

// SaveFiles downloads and writes every document not stored yet, then records
// them. Documents are de-duplicated by vendor id.
func (s *FileSink) SaveFiles(ctx context.Context, docs []schemas.PayslipDocument, opts schemas.SaveOptions) error {
	var saved []schemas.PayslipDocument
	for _, doc := range docs {
		exists, err := s.store.HasDocument(ctx, doc.VendorID)
		if err != nil {
			return err
		}
		if exists {
			s.logger.Debug("Document already stored", zap.String("vendor_id", doc.VendorID))
			continue
		}

		body, contentType, err := s.fetcher.Fetch(ctx, doc.DownloadURL, opts.Token)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", doc.Filename, err)
		}
		if opts.ContentType != "" && contentType != "" && !strings.HasPrefix(contentType, opts.ContentType) {
			s.logger.Warn("Unexpected content type",
				zap.String("vendor_id", doc.VendorID),
				zap.String("want", opts.ContentType),
				zap.String("got", contentType))
		}

		path := s.Path(doc, opts)
		if err := fsutil.WriteFileAtomic(path, body, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", doc.Filename, err)
		}
		s.logger.Info("Payslip saved", zap.String("file", path), zap.Int("bytes", len(body)))
		saved = append(saved, doc)
	}

	if len(saved) == 0 {
		return nil
	}
	inserted, err := s.store.SaveDocuments(ctx, saved, opts)
	if err != nil {
		return err
	}
	s.logger.Info("Batch stored",
		zap.Int("documents", len(docs)),
		zap.Int("downloaded", len(saved)),
		zap.Int("recorded", inserted))
	return nil
}

// SaveIdentity records the identity of sourceAccount.
func (s *FileSink) SaveIdentity(ctx context.Context, sourceAccount string, record schemas.IdentityRecord) error {
	return s.store.SaveIdentity(ctx, sourceAccount, record)
}

// Package storage stages attachment payloads on disk before the ticket
// transaction runs. Files are namespaced by message fingerprint, so two
// concurrently processed messages can never collide; a create that fails
// after staging leaves orphaned files, never dangling references.
package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/maildesk-io/maildesk/internal/models"
)

// Staging writes attachment bytes under a configured root directory.
type Staging struct {
	root   string
	logger *log.Logger
}

// Option customizes a Staging area.
type Option func(*Staging)

// WithLogger overrides the staging logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Staging) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStaging returns a staging area rooted at dir.
func NewStaging(root string, opts ...Option) (*Staging, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: empty attachment root")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("storage: creating root %s: %w", root, err)
	}
	s := &Staging{root: root, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stage writes every attachment of one message to disk and returns the
// rows to persist alongside the ticket. The fingerprint namespaces the
// directory; duplicate filenames within one message get a numeric suffix.
func (s *Staging) Stage(fingerprint string, attachments []models.InboundAttachment) ([]models.Attachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	if fingerprint == "" {
		return nil, fmt.Errorf("storage: empty fingerprint")
	}

	dir := filepath.Join(s.root, fingerprint)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: creating %s: %w", dir, err)
	}

	staged := make([]models.Attachment, 0, len(attachments))
	used := make(map[string]bool, len(attachments))
	for _, att := range attachments {
		base := sanitizeFilename(att.Filename)
		// The prefixed candidate may itself match a sibling's declared
		// name, so keep prefixing until the name is free.
		name := base
		for n := 1; used[name]; n++ {
			name = fmt.Sprintf("%d_%s", n, base)
		}
		used[name] = true

		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, att.Data, 0644); err != nil {
			return nil, fmt.Errorf("storage: writing %s: %w", path, err)
		}
		s.logger.Printf("storage: staged %s (%d bytes)", path, att.Size())
		staged = append(staged, models.Attachment{
			Filename:    att.Filename,
			StoragePath: path,
			SizeBytes:   att.Size(),
		})
	}
	return staged, nil
}

// sanitizeFilename strips any path components a hostile sender may have
// put into the declared filename.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "attachment.bin"
	}
	return name
}

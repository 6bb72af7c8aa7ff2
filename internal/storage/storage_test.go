package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maildesk-io/maildesk/internal/models"
)

func TestStageWritesNamespacedFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewStaging(root)
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	staged, err := s.Stage("fp-abc", []models.InboundAttachment{
		{Filename: "invoice.pdf", Data: []byte("pdf-bytes")},
		{Filename: "notes.txt", Data: []byte("hello")},
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(staged) != 2 {
		t.Fatalf("expected 2 staged attachments, got %d", len(staged))
	}

	want := filepath.Join(root, "fp-abc", "invoice.pdf")
	if staged[0].StoragePath != want {
		t.Fatalf("unexpected path %q", staged[0].StoragePath)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Fatalf("unexpected content %q", data)
	}
	if staged[0].SizeBytes != int64(len("pdf-bytes")) {
		t.Fatalf("unexpected size %d", staged[0].SizeBytes)
	}
}

func TestStageDuplicateFilenames(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	staged, err := s.Stage("fp-dup", []models.InboundAttachment{
		{Filename: "a.txt", Data: []byte("one")},
		{Filename: "a.txt", Data: []byte("two")},
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if staged[0].StoragePath == staged[1].StoragePath {
		t.Fatalf("duplicate filenames collided on %q", staged[0].StoragePath)
	}
}

func TestStageSuffixDoesNotCollideWithDeclaredName(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	// The second a.txt would normally become 1_a.txt, which a sibling
	// already claims as its declared name.
	staged, err := s.Stage("fp-clash", []models.InboundAttachment{
		{Filename: "a.txt", Data: []byte("one")},
		{Filename: "a.txt", Data: []byte("two")},
		{Filename: "1_a.txt", Data: []byte("three")},
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	paths := map[string]string{}
	for i, att := range staged {
		if prev, ok := paths[att.StoragePath]; ok {
			t.Fatalf("attachment %d reused path %q of %s", i, att.StoragePath, prev)
		}
		paths[att.StoragePath] = att.Filename
	}
	for _, att := range staged {
		data, err := os.ReadFile(att.StoragePath)
		if err != nil {
			t.Fatalf("reading %s: %v", att.StoragePath, err)
		}
		if int64(len(data)) != att.SizeBytes {
			t.Fatalf("staged file %s truncated", att.StoragePath)
		}
	}
}

func TestStageEmptyInput(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	staged, err := s.Stage("fp", nil)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if staged != nil {
		t.Fatalf("expected nil, got %v", staged)
	}
	if _, err := s.Stage("", []models.InboundAttachment{{Filename: "x", Data: []byte("y")}}); err == nil {
		t.Fatalf("expected error for empty fingerprint")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		"..\\..\\boot.ini":    "boot.ini",
		"  spaced.txt  ":      "spaced.txt",
		"..":                  "attachment.bin",
		"":                    "attachment.bin",
		"nested/dir/file.doc": "file.doc",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

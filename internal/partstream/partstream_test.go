package partstream

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/pimbroker/broker/internal/brokererr"
)

func TestShouldStoreExternally(t *testing.T) {
	s := New(t.TempDir(), 4096, false)
	if s.ShouldStoreExternally(100) {
		t.Fatalf("expected a small payload to stay inline")
	}
	if !s.ShouldStoreExternally(8192) {
		t.Fatalf("expected a large payload to go external")
	}
}

func TestPartFileName(t *testing.T) {
	if got := PartFileName(42, 3); got != "42_r3" {
		t.Fatalf("got %q", got)
	}
}

func TestWriteAndOpenExternal(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10, false)
	payload := []byte("hello, external part")

	written, err := s.WriteExternal("1_r0", bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("WriteExternal: %v", err)
	}
	if written != int64(len(payload)) {
		t.Fatalf("written = %d, want %d", written, len(payload))
	}

	f, err := s.OpenExternal("1_r0")
	if err != nil {
		t.Fatalf("OpenExternal: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestWriteExternalRejectsSizeMismatch(t *testing.T) {
	s := New(t.TempDir(), 10, false)
	_, err := s.WriteExternal("1_r0", bytes.NewReader([]byte("short")), 100)
	var serr *brokererr.ServiceError
	if !errors.As(err, &serr) || serr.Code != brokererr.ErrCodePayloadSizeMismatch {
		t.Fatalf("expected PayloadSizeMismatch, got %v", err)
	}
}

func TestResolvePathRejectsTraversal(t *testing.T) {
	s := New(t.TempDir(), 10, false)
	_, err := s.WriteExternal("../../etc/passwd", bytes.NewReader([]byte("x")), 1)
	var serr *brokererr.ServiceError
	if !errors.As(err, &serr) || serr.Code != brokererr.ErrCodePayloadOutsideRoot {
		t.Fatalf("expected PayloadOutsideRoot, got %v", err)
	}
}

func TestRemoveExternal(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10, false)
	if _, err := s.WriteExternal("5_r0", bytes.NewReader([]byte("data")), 4); err != nil {
		t.Fatalf("WriteExternal: %v", err)
	}
	if err := s.RemoveExternal("5_r0"); err != nil {
		t.Fatalf("RemoveExternal: %v", err)
	}
	if _, err := os.Stat(root + "/5_r0"); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}
	// Removing again should be a no-op, not an error.
	if err := s.RemoveExternal("5_r0"); err != nil {
		t.Fatalf("RemoveExternal on missing file: %v", err)
	}
}

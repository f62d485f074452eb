package store

import (
	"bytes"
	"context"
	"testing"
)

func TestNullUploaderIsANoop(t *testing.T) {
	var u NullUploader
	if err := u.Upload(context.Background(), "bucket", "key", bytes.NewReader([]byte("data")), "application/pdf"); err != nil {
		t.Fatalf("NullUploader.Upload: %v", err)
	}
}

func TestIntentKey(t *testing.T) {
	got := IntentKey(42, "abc123", "pdf")
	want := "documents/42/abc123.pdf"
	if got != want {
		t.Errorf("IntentKey() = %q, want %q", got, want)
	}
}

func TestUploaderInterfaceSatisfiedByNullUploader(t *testing.T) {
	var _ Uploader = NullUploader{}
}

package store

import (
	"context"
	"testing"

	"parishai/pkg/domain"
)

func TestSameFileName(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"sermon.txt", "sermon.txt", true},
		{"Sermon.TXT", "sermon.txt", true},
		{" sermon.txt ", "sermon.txt", true},
		{"sermon.txt", "sermon.pdf", false},
		{"sermon.txt", "other.txt", false},
	}
	for _, tc := range cases {
		if got := sameFileName(tc.a, tc.b); got != tc.want {
			t.Fatalf("sameFileName(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMemoryStoreHasFileNameIgnoresCase(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := domain.DocumentRecord{
		FileID:      "file-1",
		AssistantID: "asst-1",
		FileName:    "Sunday Sermon.txt",
	}
	if err := s.InsertDocument(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := s.HasFileName(ctx, "asst-1", "sunday sermon.TXT")
	if err != nil {
		t.Fatalf("has filename: %v", err)
	}
	if !found {
		t.Fatalf("case variant of an existing filename should match")
	}

	found, err = s.HasFileName(ctx, "asst-2", "Sunday Sermon.txt")
	if err != nil {
		t.Fatalf("has filename: %v", err)
	}
	if found {
		t.Fatalf("filename match must be scoped to the assistant")
	}
}

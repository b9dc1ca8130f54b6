package runfiles

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverImagesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"page_02.png", "page_01.jpg", "notes.txt", "page_03.webp", "cover.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	images, err := DiscoverImages(dir)
	if err != nil {
		t.Fatalf("DiscoverImages failed: %v", err)
	}

	want := []string{"page_01.jpg", "page_02.png", "page_03.webp"}
	if len(images) != len(want) {
		t.Fatalf("expected %d images, got %v", len(want), images)
	}
	for i, w := range want {
		if filepath.Base(images[i]) != w {
			t.Errorf("position %d: expected %s, got %s", i, w, filepath.Base(images[i]))
		}
	}
}

func TestDiscoverImagesEmptyDirectory(t *testing.T) {
	if _, err := DiscoverImages(t.TempDir()); err == nil {
		t.Error("expected error for directory without images")
	}
}

func TestDiscoverImagesMissingDirectory(t *testing.T) {
	if _, err := DiscoverImages(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestItemIDsUseBaseNames(t *testing.T) {
	ids := ItemIDs([]string{"/data/scans/p1.png", "/data/scans/p2.png"})
	if ids[0] != "p1.png" || ids[1] != "p2.png" {
		t.Errorf("unexpected IDs: %v", ids)
	}
}

func TestTextOutputPaths(t *testing.T) {
	raw, cleaned := TextOutputPaths("out/book.mp3")
	if raw != "out/book_raw.txt" {
		t.Errorf("raw path: got %q", raw)
	}
	if cleaned != "out/book_cleaned.txt" {
		t.Errorf("cleaned path: got %q", cleaned)
	}
}

func TestTranslatedTextPath(t *testing.T) {
	got := TranslatedTextPath("out/book.mp3", "Traditional Chinese")
	if got != "out/book_translated_traditional_chinese.txt" {
		t.Errorf("translated path: got %q", got)
	}
}

func TestSaveAndLoadTextCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "book_raw.txt")

	if err := SaveText(path, "some text"); err != nil {
		t.Fatalf("SaveText failed: %v", err)
	}

	got, err := LoadText(path)
	if err != nil {
		t.Fatalf("LoadText failed: %v", err)
	}
	if got != "some text" {
		t.Errorf("roundtrip mismatch: %q", got)
	}
}

func TestSaveAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio", "book.mp3")
	audio := []byte{0xFF, 0xF3, 0x00, 0x01}

	if err := SaveAudio(path, audio); err != nil {
		t.Fatalf("SaveAudio failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audio: %v", err)
	}
	if string(data) != string(audio) {
		t.Error("audio bytes mismatch")
	}
}

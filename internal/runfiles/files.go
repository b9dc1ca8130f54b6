// Package runfiles handles the pipeline's filesystem surface: discovering
// input images, reading and writing text artifacts, and writing the final
// audio file.
package runfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// imageExtensions lists the page image formats accepted as pipeline input.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tiff": true,
	".webp": true,
}

// DiscoverImages returns the image files in a directory sorted by name.
// Sorting defines page order, so scans should use zero-padded names.
func DiscoverImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading input directory: %w", err)
	}

	var images []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if imageExtensions[ext] {
			images = append(images, filepath.Join(dir, entry.Name()))
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no image files found in %s", dir)
	}

	sort.Strings(images)
	return images, nil
}

// ItemIDs maps image paths to session item IDs. The base filename is the ID:
// stable across machines even when the directory is mounted elsewhere.
func ItemIDs(imagePaths []string) []string {
	ids := make([]string, len(imagePaths))
	for i, path := range imagePaths {
		ids[i] = filepath.Base(path)
	}
	return ids
}

// LoadText reads a UTF-8 text file.
func LoadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading text file: %w", err)
	}
	return string(data), nil
}

// SaveText writes text to a file, creating parent directories as needed.
func SaveText(path, text string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("writing text file: %w", err)
	}
	return nil
}

// SaveAudio writes the synthesized audio, creating parent directories as needed.
func SaveAudio(path string, audio []byte) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, audio, 0644); err != nil {
		return fmt.Errorf("writing audio file: %w", err)
	}
	return nil
}

// TextOutputPaths derives the raw and cleaned text paths from the audio
// output path: book.mp3 -> book_raw.txt, book_cleaned.txt.
func TextOutputPaths(outputAudio string) (raw, cleaned string) {
	base := strings.TrimSuffix(outputAudio, filepath.Ext(outputAudio))
	return base + "_raw.txt", base + "_cleaned.txt"
}

// TranslatedTextPath derives the translated text path from the audio output
// path and target language: book.mp3 + "Traditional Chinese" ->
// book_translated_traditional_chinese.txt.
func TranslatedTextPath(outputAudio, targetLanguage string) string {
	base := strings.TrimSuffix(outputAudio, filepath.Ext(outputAudio))
	safe := strings.ToLower(targetLanguage)
	safe = strings.ReplaceAll(safe, " ", "_")
	safe = strings.ReplaceAll(safe, "-", "_")
	return base + "_translated_" + safe + ".txt"
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

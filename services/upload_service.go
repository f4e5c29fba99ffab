package services

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const uploadsURLPrefix = "/uploads/"

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// StoredFile is what the upload endpoint returns to the client; Path is the
// serving path the client then uses as item content.
type StoredFile struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	Mimetype     string `json:"mimetype"`
	Path         string `json:"path"`
}

// UploadStore writes uploaded file bodies to the uploads directory under
// collision-free names and releases them when the referencing item goes away.
type UploadStore struct {
	dir string
}

func NewUploadStore(dir string) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory %s: %w", dir, err)
	}
	return &UploadStore{dir: dir}, nil
}

// Dir returns the uploads directory, for static file serving.
func (u *UploadStore) Dir() string {
	return u.dir
}

// Store streams the body to disk under a uuid filename that keeps only the
// sanitized extension of the original name.
func (u *UploadStore) Store(body io.Reader, originalName, mimetype string) (StoredFile, error) {
	safeName := unsafeNameChars.ReplaceAllString(originalName, "_")
	ext := filepath.Ext(safeName)
	if ext == "" {
		ext = ".dat"
	}
	filename := uuid.New().String() + ext

	dst, err := os.Create(filepath.Join(u.dir, filename))
	if err != nil {
		return StoredFile{}, fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, body); err != nil {
		os.Remove(dst.Name())
		return StoredFile{}, fmt.Errorf("write upload file: %w", err)
	}

	return StoredFile{
		Filename:     filename,
		OriginalName: originalName,
		Mimetype:     mimetype,
		Path:         uploadsURLPrefix + filename,
	}, nil
}

// Release deletes the backing file for an item content path if it points into
// the uploads directory. Missing files are not an error.
func (u *UploadStore) Release(contentPath string) {
	if !strings.HasPrefix(contentPath, uploadsURLPrefix) {
		return
	}
	filename := filepath.Base(contentPath)
	path := filepath.Join(u.dir, filename)
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Uploads] Error deleting %s: %v", path, err)
		}
		return
	}
	log.Printf("[Uploads] Deleted %s", path)
}

// CleanupAll removes every file in the uploads directory; used by the hosting
// shell when a fresh start is wanted.
func (u *UploadStore) CleanupAll() {
	entries, err := os.ReadDir(u.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Uploads] Error reading uploads directory for cleanup: %v", err)
		}
		return
	}
	deleted, failed := 0, 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(u.dir, entry.Name())); err != nil {
			log.Printf("[Uploads] Error deleting %s: %v", entry.Name(), err)
			failed++
			continue
		}
		deleted++
	}
	log.Printf("[Uploads] Cleanup finished. Deleted: %d, Errors: %d", deleted, failed)
}

// Package storage keeps uploaded files under flat names, on local disk or in
// a MinIO/S3 bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// MaxUploadBytes is the largest accepted upload.
const MaxUploadBytes = 10 << 20

// Store holds files addressed by name.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, *Info, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// Info describes a stored file.
type Info struct {
	Name        string
	Size        int64
	ContentType string
	ModTime     time.Time
}

var allowedExtensions = map[string]bool{
	"txt": true, "pdf": true, "png": true, "jpg": true, "jpeg": true, "gif": true,
	"mp3": true, "wav": true, "mp4": true, "doc": true, "docx": true,
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// AllowedFile reports whether filename carries an accepted extension.
func AllowedFile(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	return ext != "" && allowedExtensions[ext]
}

// SecureFilename reduces a client supplied name to a safe flat name.
func SecureFilename(filename string) string {
	filename = strings.NewReplacer("/", " ", "\\", " ").Replace(filename)
	filename = strings.Join(strings.Fields(filename), "_")
	filename = unsafeChars.ReplaceAllString(filename, "")
	return strings.TrimLeft(filename, "._")
}

// ObjectName builds the stored name of an upload: "<unix seconds>_<safe name>".
func ObjectName(now time.Time, filename string) (string, error) {
	safe := SecureFilename(filename)
	if safe == "" || !AllowedFile(safe) {
		return "", ErrFileTypeNotAllowed
	}
	return fmt.Sprintf("%d_%s", now.Unix(), safe), nil
}

// ValidName rejects names that could escape the storage root.
func ValidName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Package upload persists the image attached to a check request so the
// external analyzer can read it from disk.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMissingInput is returned when a request carries no image file.
var ErrMissingInput = errors.New("no file uploaded")

// Artifact is an uploaded file stored for the lifetime of one request.
type Artifact struct {
	TemporaryPath string
	OriginalName  string
	SizeBytes     int64
}

// Remove deletes the stored file. Removing an already deleted file is not an error.
func (a *Artifact) Remove() error {
	if a == nil || a.TemporaryPath == "" {
		return nil
	}
	if err := os.Remove(a.TemporaryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Receiver writes uploads into a single directory using collision-free names.
type Receiver struct {
	dir string
	now func() time.Time
}

// NewReceiver creates dir if needed and returns a receiver storing files there.
func NewReceiver(dir string) (*Receiver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Receiver{dir: abs, now: time.Now}, nil
}

// Dir returns the absolute storage directory.
func (r *Receiver) Dir() string {
	return r.dir
}

// Save stores the multipart file and returns its artifact.
func (r *Receiver) Save(file *multipart.FileHeader) (*Artifact, error) {
	if file == nil {
		return nil, ErrMissingInput
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	return r.Store(file.Filename, src)
}

// Store copies src into a new file named after originalName.
func (r *Receiver) Store(originalName string, src io.Reader) (*Artifact, error) {
	path := filepath.Join(r.dir, r.uniqueName(originalName))

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	size, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write upload file: %w", err)
	}

	return &Artifact{
		TemporaryPath: path,
		OriginalName:  originalName,
		SizeBytes:     size,
	}, nil
}

// uniqueName prefixes the client's file name with the upload time in
// milliseconds and a random token.
func (r *Receiver) uniqueName(originalName string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s-%s", r.now().UnixMilli(), token, sanitizeName(originalName))
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "upload"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}

package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hackchat/internal/apperr"
	"hackchat/internal/storage"
)

const defaultMaxFileSize = 10 * 1024 * 1024

var errFileTooLarge = errors.New("file too large")

// StoredFile describes a blob written by FileStore.Save.
type StoredFile struct {
	Name      string // name on disk, referenced by the [file] body marker
	Original  string
	SizeBytes int64
	SHA256    string
}

// FileStore keeps uploaded attachments as flat files in one directory.
type FileStore struct {
	dir     string
	maxSize int64
}

func NewFileStore(dir string, maxSize int64) *FileStore {
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "hackchat-uploads")
	}
	return &FileStore{dir: dir, maxSize: maxSize}
}

func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) MaxSize() int64 { return f.maxSize }

// Save copies src to a new uniquely named file, hashing it on the way.
func (f *FileStore) Save(original string, src io.Reader) (StoredFile, error) {
	original = sanitizePathComponent(filepath.Base(original))
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("create upload directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s", uuid.NewString(), original)
	path := filepath.Join(f.dir, name)
	dest, err := os.Create(path)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	hasher := sha256.New()
	// one extra byte tells an exact-size file from an oversized one
	written, err := io.Copy(io.MultiWriter(dest, hasher), io.LimitReader(src, f.maxSize+1))
	if err == nil && written > f.maxSize {
		err = errFileTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return StoredFile{}, err
	}
	return StoredFile{
		Name:      name,
		Original:  original,
		SizeBytes: written,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Path resolves a stored name, refusing anything that escapes the directory.
func (f *FileStore) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", apperr.Validation("invalid file name")
	}
	return filepath.Join(f.dir, name), nil
}

func (f *FileStore) Remove(name string) error {
	path, err := f.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear deletes every stored file but keeps the directory.
func (f *FileStore) Clear() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var errs []error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(f.dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleSendFile accepts a multipart upload (sender, recipient, file) and
// delivers a [file] marker message pointing at the stored blob.
func (s *Server) HandleSendFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	// multipart framing needs headroom above the file cap
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxSize()+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": errFileTooLarge.Error()})
			return
		}
		s.writeAppError(w, apperr.Validation("invalid multipart body"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	sender := strings.TrimSpace(r.FormValue("sender"))
	if sender == "" {
		sender = strings.TrimSpace(r.FormValue("sender_id"))
	}
	recipient := strings.TrimSpace(r.FormValue("recipient"))
	if sender == "" || recipient == "" {
		s.writeAppError(w, apperr.Validation("sender and recipient are required"))
		return
	}
	if !s.sendLimiter.Allow(sender) {
		tooManyRequests(w)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeAppError(w, apperr.Validation("no file provided"))
		return
	}
	defer file.Close()
	if header.Size > s.uploads.MaxSize() {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": errFileTooLarge.Error()})
		return
	}

	stored, err := s.uploads.Save(header.Filename, file)
	if err != nil {
		if errors.Is(err, errFileTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": errFileTooLarge.Error()})
			return
		}
		s.writeAppError(w, err)
		return
	}

	msg, err := s.router.Deliver(r.Context(), sender, recipient, storage.FileBody(stored.Name))
	if err != nil {
		_ = s.uploads.Remove(stored.Name)
		s.writeAppError(w, err)
		return
	}
	s.logger.Info("file stored",
		zap.String("sender", sender),
		zap.String("name", stored.Name),
		zap.Int64("size", stored.SizeBytes),
		zap.String("sha256", stored.SHA256))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"filename":   stored.Name,
		"url":        "/files/" + stored.Name,
		"id":         msg.ID,
		"created_at": msg.CreatedAt().Format(time.RFC3339),
	})
}

// HandleFile streams a stored blob back.
func (s *Server) HandleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	name := r.PathValue("name")
	path, err := s.uploads.Path(name)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeAppError(w, apperr.NotFound("file not found"))
			return
		}
		s.writeAppError(w, err)
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", originalName(name)))
	http.ServeContent(w, r, name, stat.ModTime(), file)
}

// originalName strips the uuid prefix Save adds.
func originalName(stored string) string {
	if len(stored) > 37 && stored[36] == '-' {
		if _, err := uuid.Parse(stored[:36]); err == nil {
			return stored[37:]
		}
	}
	return stored
}

// sanitizePathComponent removes path separators and null bytes.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}

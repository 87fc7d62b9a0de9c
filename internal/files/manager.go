// Package files owns the uploaded-file lifecycle: validated upload,
// on-disk storage, expiry and disk-pressure eviction, and download
// accounting. The storage directory is exclusive to this package; no
// other component touches it.
package files

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"relayd/internal/core"
)

// MaxFileSize caps a decoded upload payload.
const MaxFileSize = 10 * 1024 * 1024

// freeSpaceThreshold triggers the forced eviction sweep.
const freeSpaceThreshold = 100 * 1024 * 1024

// maxFilenameLength caps a stored filename, preserving its extension.
const maxFilenameLength = 200

// Validation and lookup failures surfaced to clients as text notices;
// the connection stays open.
var (
	ErrBadFilename  = errors.New("invalid filename")
	ErrBadExtension = errors.New("file type not allowed")
	ErrTooLarge     = errors.New("file too large")
	ErrBadData      = errors.New("file data is not valid base64")
	ErrFileNotFound = errors.New("file not found or expired")
)

var allowedExtensions = map[string]struct{}{
	".txt": {}, ".pdf": {}, ".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".zip": {}, ".rar": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
}

// Manager coordinates upload bytes on disk with the index in core.State
// and metadata rows in SQLite.
type Manager struct {
	root  string
	state *core.State
	meta  *MetaStore

	// expiry returns the current upload time-to-live; it reads the live
	// configuration so hot reloads take effect without restarting.
	expiry func() time.Duration

	// freeSpace is replaceable in tests.
	freeSpace func(dir string) (uint64, error)
}

// NewManager creates a manager rooted at dir. The directory is created
// if missing.
func NewManager(dir string, state *core.State, meta *MetaStore, expiry func() time.Duration) (*Manager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Manager{
		root:      dir,
		state:     state,
		meta:      meta,
		expiry:    expiry,
		freeSpace: diskFree,
	}, nil
}

// ValidateFilename normalizes a declared filename: path components and
// control characters are stripped, dangerous characters removed, and the
// length capped while preserving the extension. Returns ErrBadFilename
// when nothing usable remains.
func ValidateFilename(name string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range name {
		if !unicode.IsPrint(r) {
			continue
		}
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimSpace(strings.ReplaceAll(b.String(), "..", ""))

	if name == "" || strings.Trim(name, ".") == "" {
		return "", ErrBadFilename
	}

	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLength {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	return name, nil
}

// UploadBase64 validates and stores a base64-encoded payload, returning
// the recorded index entry. The caller broadcasts the file_notify.
func (m *Manager) UploadBase64(ctx context.Context, uploader, filename, b64 string) (core.UploadedFile, error) {
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	return m.Put(ctx, uploader, filename, payload)
}

// Put validates and stores a decoded payload.
func (m *Manager) Put(ctx context.Context, uploader, filename string, payload []byte) (core.UploadedFile, error) {
	filename, err := ValidateFilename(filename)
	if err != nil {
		return core.UploadedFile{}, err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return core.UploadedFile{}, fmt.Errorf("%w: %s", ErrBadExtension, ext)
	}
	if int64(len(payload)) > MaxFileSize {
		return core.UploadedFile{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(payload), int64(MaxFileSize))
	}

	m.checkDiskPressure(ctx)

	id := uuid.NewString()
	path := filepath.Join(m.root, id)

	// Write through a temp file and rename, so a crash never leaves a
	// half-written entry under a valid id.
	tmp, err := os.CreateTemp(m.root, ".upload-*")
	if err != nil {
		return core.UploadedFile{}, fmt.Errorf("create temp upload file: %w", err)
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(payload)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		if writeErr == nil {
			writeErr = closeErr
		}
		return core.UploadedFile{}, fmt.Errorf("write upload payload: %w", writeErr)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return core.UploadedFile{}, fmt.Errorf("move upload into place: %w", err)
	}

	entry := core.UploadedFile{
		ID:         id,
		Filename:   filename,
		Path:       path,
		Uploader:   uploader,
		Size:       int64(len(payload)),
		UploadedAt: time.Now(),
	}
	if m.meta != nil {
		if err := m.meta.Insert(ctx, entry); err != nil {
			slog.Error("persist upload metadata", "file_id", id, "err", err)
		}
	}
	m.state.AddUpload(entry)

	slog.Info("file uploaded", "file_id", id, "filename", filename, "size", entry.Size, "uploader", uploader)
	return entry, nil
}

// Read returns an upload's payload and bumps its download counter.
// Expiry is time-based; downloads never delete.
func (m *Manager) Read(ctx context.Context, id string) (core.UploadedFile, []byte, error) {
	entry, ok := m.state.Upload(id)
	if !ok {
		return core.UploadedFile{}, nil, ErrFileNotFound
	}

	payload, err := os.ReadFile(entry.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.UploadedFile{}, nil, ErrFileNotFound
		}
		return core.UploadedFile{}, nil, fmt.Errorf("read upload payload: %w", err)
	}

	entry, _ = m.state.IncrementDownload(id)
	if m.meta != nil {
		if err := m.meta.IncrementDownload(ctx, id); err != nil {
			slog.Error("persist download count", "file_id", id, "err", err)
		}
	}

	slog.Info("file downloaded", "file_id", id, "filename", entry.Filename, "downloads", entry.Downloads)
	return entry, payload, nil
}

// SweepExpired removes entries older than the configured expiry and
// deletes their backing data. Returns the number removed.
func (m *Manager) SweepExpired(ctx context.Context) int {
	expired := m.state.TakeExpiredUploads(m.expiry(), time.Now())
	m.deleteAll(ctx, expired)
	if len(expired) > 0 {
		slog.Info("expired uploads removed", "count", len(expired))
	}
	return len(expired)
}

// ForceSweep evicts the oldest half of the index regardless of age.
// Best-effort: it frees what it can, with no space guarantee.
func (m *Manager) ForceSweep(ctx context.Context) int {
	victims := m.state.TakeOldestUploads()
	m.deleteAll(ctx, victims)
	if len(victims) > 0 {
		slog.Warn("forced eviction removed uploads", "count", len(victims))
	}
	return len(victims)
}

func (m *Manager) deleteAll(ctx context.Context, entries []core.UploadedFile) {
	for _, entry := range entries {
		if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Error("delete upload payload", "file_id", entry.ID, "err", err)
		}
		if m.meta != nil {
			if err := m.meta.Delete(ctx, entry.ID); err != nil {
				slog.Error("delete upload metadata", "file_id", entry.ID, "err", err)
			}
		}
	}
}

func (m *Manager) checkDiskPressure(ctx context.Context) {
	free, err := m.freeSpace(m.root)
	if err != nil {
		slog.Error("check free disk space", "err", err)
		return
	}
	if free < freeSpaceThreshold {
		slog.Warn("low disk space, forcing eviction", "free_bytes", free)
		m.ForceSweep(ctx)

		free, err = m.freeSpace(m.root)
		switch {
		case err != nil:
			slog.Error("re-check free disk space", "err", err)
		case free < freeSpaceThreshold:
			slog.Warn("disk space still low after eviction", "free_bytes", free)
		default:
			slog.Info("disk space recovered after eviction", "free_bytes", free)
		}
	}
}

// CleanupStartup clears storage left over from a prior ungraceful
// shutdown and resets the index and metadata rows.
func (m *Manager) CleanupStartup(ctx context.Context) error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("list storage directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			slog.Warn("remove leftover upload", "name", entry.Name(), "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("startup cleanup removed leftover uploads", "count", removed)
	}

	m.state.ClearUploads()
	if m.meta != nil {
		if err := m.meta.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAll deletes the entire storage directory; used on shutdown.
func (m *Manager) RemoveAll() error {
	return os.RemoveAll(m.root)
}

func diskFree(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

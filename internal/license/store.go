package license

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	apperrors "trialguard/internal/errors"
)

// Store persists one signed Record as a base64 blob in a single file.
type Store struct {
	fs     afero.Fs
	path   string
	signer *Signer
	logger *slog.Logger
}

// NewStore creates a store writing to path on fs.
func NewStore(fs afero.Fs, path string, signer *Signer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fs:     fs,
		path:   path,
		signer: signer,
		logger: logger.With(slog.String("component", "license_store")),
	}
}

// Path returns the license file path.
func (s *Store) Path() string { return s.path }

// wireRecord is the decoded blob. Pointer fields detect missing keys.
type wireRecord struct {
	ExpiresAt    *int64   `json:"expires_at"`
	LastWall     *int64   `json:"last_wall"`
	LastMono     *float64 `json:"last_mono"`
	ConsumedSecs *int64   `json:"consumed_secs"`
	Signature    *string  `json:"signature"`
}

// Save signs rec for deviceID and replaces the license file. The file is
// written to a temporary sibling, synced and renamed into place, so a
// crash leaves either the old file or the new one.
func (s *Store) Save(rec Record, deviceID string) error {
	rec.Signature = s.signer.Sign(rec, deviceID)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal license record: %w", err)
	}
	blob := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(blob, payload)

	if err := s.writeAtomic(blob); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrPersistFailed, err)
	}

	s.logger.Debug("license record saved",
		slog.String("path", s.path),
		slog.Int("size_bytes", len(blob)),
	)
	return nil
}

func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create license directory: %w", err)
	}

	file, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary license file: %w", err)
	}
	tmpPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		s.fs.Remove(tmpPath)
		return fmt.Errorf("write temporary license file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		s.fs.Remove(tmpPath)
		return fmt.Errorf("sync temporary license file: %w", err)
	}
	if err := file.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("close temporary license file: %w", err)
	}
	if err := s.fs.Chmod(tmpPath, 0o600); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("chmod temporary license file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("rename license file into place: %w", err)
	}

	if parent, err := s.fs.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// Load reads, decodes and verifies the license file against deviceID.
// The error wraps ErrNoLicense when the file is absent, ErrLicenseCorrupt
// when it cannot be decoded, and ErrSignatureMismatch when the tag does
// not verify. No partial record is ever returned.
func (s *Store) Load(deviceID string) (Record, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, apperrors.ErrNoLicense
		}
		return Record{}, fmt.Errorf("%w: read: %v", apperrors.ErrLicenseCorrupt, err)
	}

	rec, err := decodeBlob(data)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", apperrors.ErrLicenseCorrupt, err)
	}

	if !s.signer.Verify(rec, deviceID) {
		return Record{}, apperrors.ErrSignatureMismatch
	}
	return rec, nil
}

func decodeBlob(data []byte) (Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Record{}, errors.New("empty license file")
	}

	payload := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(payload, data)
	if err != nil {
		return Record{}, fmt.Errorf("decode base64: %w", err)
	}

	var wire wireRecord
	if err := json.Unmarshal(payload[:n], &wire); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if wire.ExpiresAt == nil || wire.LastWall == nil || wire.LastMono == nil ||
		wire.ConsumedSecs == nil || wire.Signature == nil {
		return Record{}, errors.New("record is missing fields")
	}
	if *wire.ConsumedSecs < 0 {
		return Record{}, errors.New("consumed seconds is negative")
	}

	return Record{
		ExpiresAt:    *wire.ExpiresAt,
		LastWall:     *wire.LastWall,
		LastMono:     *wire.LastMono,
		ConsumedSecs: *wire.ConsumedSecs,
		Signature:    *wire.Signature,
	}, nil
}

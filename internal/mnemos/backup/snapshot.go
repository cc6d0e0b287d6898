package backup

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	backupPrefix = "memory_backup_"
	safetyPrefix = "memory_safety_"
	dbExt        = ".db"
	gzExt        = ".gz"

	// nameLayout sorts lexically in time order.
	nameLayout = "20060102T150405.000000000Z"
)

// Snapshot is a point-in-time copy of the memory database.
type Snapshot struct {
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Compressed bool      `json:"compressed"`
	Size       int64     `json:"size"`
}

// Name returns the snapshot's file name.
func (s Snapshot) Name() string { return filepath.Base(s.Path) }

func snapshotName(prefix string, ts time.Time, compressed bool) string {
	name := prefix + ts.UTC().Format(nameLayout) + dbExt
	if compressed {
		name += gzExt
	}
	return name
}

// parseName recognises names produced by snapshotName for prefix.
func parseName(prefix, name string) (time.Time, bool, bool) {
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, false, false
	}
	rest := strings.TrimPrefix(name, prefix)
	compressed := strings.HasSuffix(rest, dbExt+gzExt)
	switch {
	case compressed:
		rest = strings.TrimSuffix(rest, dbExt+gzExt)
	case strings.HasSuffix(rest, dbExt):
		rest = strings.TrimSuffix(rest, dbExt)
	default:
		return time.Time{}, false, false
	}
	ts, err := time.Parse(nameLayout, rest)
	if err != nil {
		return time.Time{}, false, false
	}
	return ts, compressed, true
}

// SnapshotFromPath describes the file at path. Files not named like a
// snapshot are accepted with their modification time as CreatedAt.
func SnapshotFromPath(path string) (Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, err
	}
	if info.IsDir() {
		return Snapshot{}, fmt.Errorf("%s is a directory", path)
	}
	snap := Snapshot{
		Path:       path,
		CreatedAt:  info.ModTime().UTC(),
		Compressed: strings.HasSuffix(path, gzExt),
		Size:       info.Size(),
	}
	if ts, compressed, ok := parseName(backupPrefix, filepath.Base(path)); ok {
		snap.CreatedAt = ts
		snap.Compressed = compressed
	}
	return snap, nil
}

// compressFile gzips src into dst, writing through a temporary file so a
// partial dst never appears.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		gz := gzip.NewWriter(w)
		gz.Name = strings.TrimSuffix(filepath.Base(dst), gzExt)
		if _, err := io.Copy(gz, in); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	})
}

// decompressFile gunzips src into dst.
func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, gz)
		return err
	})
}

func writeAtomic(dst string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	ok = true
	return nil
}

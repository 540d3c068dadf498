package helpers

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// EnsureDataDirectory creates dir (and parents) if it does not exist yet.
func EnsureDataDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating data directory %s: %w", dir, err)
	}
	return nil
}

// DeleteDataFile deletes a file, ignoring files that are already gone
func DeleteDataFile(filePath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string, logger *zap.SugaredLogger) bool {
	info, err := os.Stat(filename)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warnf("Error checking file %s for existence: %v", filename, err)
		}
		return false
	}
	return !info.IsDir()
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never see a half-written file.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("error creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("error syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error renaming %s: %w", path, err)
	}
	return nil
}

// ReadMappedFile reads a whole file through a read-only memory map and
// returns a private copy of its contents.
func ReadMappedFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening data file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info for %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 {
		return []byte{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("error memory-mapping %s: %w", path, err)
	}
	defer unix.Munmap(data)

	out := make([]byte, size)
	copy(out, data)
	return out, nil
}

// FreeDiskSpace returns the bytes available to unprivileged users on the
// filesystem holding dir.
func FreeDiskSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("error reading filesystem stats for %s: %w", dir, err)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// EncodeBSON encodes a document or struct into BSON
func EncodeBSON(v interface{}) ([]byte, error) {
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding BSON: %w", err)
	}
	return data, nil
}

// DecodeBSON decodes BSON data into out
func DecodeBSON(data []byte, out interface{}) error {
	if err := bson.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error decoding BSON: %w", err)
	}
	return nil
}

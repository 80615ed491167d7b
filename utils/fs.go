package utils

import (
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/spf13/afero"
)

type Fs struct {
	AppFs afero.Fs
}

func NewFs(appFs afero.Fs) Fs {
	return Fs{AppFs: appFs}
}

// WriteJSON atomically replaces filePath with the indented JSON of data.
func (fs Fs) WriteJSON(filePath string, data interface{}) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to marshal JSON: %w", err)
	}
	return fs.WriteFileAtomic(filePath, b)
}

// ReadJSON decodes filePath into v. A missing file is reported with os.ErrNotExist.
func (fs Fs) ReadJSON(filePath string, v interface{}) error {
	f, err := fs.AppFs.Open(filePath)
	if err != nil {
		return xerrors.Errorf("unable to open a file: %w", err)
	}
	defer f.Close()

	if err = json.NewDecoder(f).Decode(v); err != nil {
		return xerrors.Errorf("failed to decode %s: %w", filePath, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file next to filePath and renames
// it into place, so readers see either the old or the new content.
func (fs Fs) WriteFileAtomic(filePath string, data []byte) error {
	dir := filepath.Dir(filePath)
	if err := fs.AppFs.MkdirAll(dir, os.ModePerm); err != nil {
		return xerrors.Errorf("failed to create %s: %w", dir, err)
	}

	f, err := afero.TempFile(fs.AppFs, dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return xerrors.Errorf("unable to create a temporary file: %w", err)
	}
	tmpPath := f.Name()

	if _, err = f.Write(data); err != nil {
		f.Close()
		fs.AppFs.Remove(tmpPath)
		return xerrors.Errorf("failed to save a file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		fs.AppFs.Remove(tmpPath)
		return xerrors.Errorf("failed to sync a file: %w", err)
	}
	if err = f.Close(); err != nil {
		fs.AppFs.Remove(tmpPath)
		return xerrors.Errorf("close error: %w", err)
	}
	if err = fs.AppFs.Rename(tmpPath, filePath); err != nil {
		fs.AppFs.Remove(tmpPath)
		return xerrors.Errorf("failed to rename %s: %w", tmpPath, err)
	}
	return nil
}

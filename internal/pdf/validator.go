package pdf

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"flipbook/internal/models"
)

const (
	// TrailerWindow is how many trailing bytes are searched for the EOF marker.
	TrailerWindow = 1024
)

var (
	magicHeader = []byte("%PDF")
	eofMarker   = []byte("%%EOF")
)

// ValidateBytes runs the empty, header and trailer checks on an in-memory document.
func ValidateBytes(data []byte) error {
	if len(data) == 0 {
		return models.NewError(models.KindEmptyFile, "file is empty", nil)
	}
	if !bytes.HasPrefix(data, magicHeader) {
		return models.NewError(models.KindBadHeader, "missing %PDF signature", nil)
	}
	tail := data
	if len(tail) > TrailerWindow {
		tail = tail[len(tail)-TrailerWindow:]
	}
	if !bytes.Contains(tail, eofMarker) {
		return models.NewError(models.KindBadTrailer, "missing %%EOF marker", nil)
	}
	return nil
}

// ValidateFile runs the same checks as ValidateBytes reading only the head
// and the trailing window of the file. A missing file is KindFileNotFound.
func ValidateFile(path string) error {
	const op = "pdf.ValidateFile"

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewError(models.KindFileNotFound, path, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if info.IsDir() {
		return models.NewError(models.KindFileNotFound, "path is a directory: "+path, nil)
	}
	size := info.Size()
	if size == 0 {
		return models.NewError(models.KindEmptyFile, "file is empty", nil)
	}

	head := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(f, head); err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !bytes.Equal(head, magicHeader) {
		return models.NewError(models.KindBadHeader, "missing %PDF signature", nil)
	}

	window := int64(TrailerWindow)
	if size < window {
		window = size
	}
	tail := make([]byte, window)
	if _, err := f.ReadAt(tail, size-window); err != nil && err != io.EOF {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !bytes.Contains(tail, eofMarker) {
		return models.NewError(models.KindBadTrailer, "missing %%EOF marker", nil)
	}
	return nil
}

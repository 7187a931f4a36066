package pdf_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"flipbook/internal/models"
	"flipbook/internal/pdf"
	testhelpers "flipbook/internal/test_helpers"
)

func TestValidateBytes(t *testing.T) {
	valid := testhelpers.BuildPDF(2)
	longTail := append(append([]byte{}, valid...), bytes.Repeat([]byte(" "), pdf.TrailerWindow+10)...)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{name: "valid", data: valid},
		{name: "empty", data: nil, want: models.ErrEmptyFile},
		{name: "bad header", data: append([]byte("%PNG"), valid[4:]...), want: models.ErrBadHeader},
		{name: "no trailer", data: []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"), want: models.ErrBadTrailer},
		{name: "eof outside window", data: longTail, want: models.ErrBadTrailer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := pdf.ValidateBytes(tc.data)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("should accept well formed document", func(t *testing.T) {
		path := testhelpers.WritePDF(t, dir, "ok.pdf", 3)
		require.NoError(t, pdf.ValidateFile(path))
	})

	t.Run("should report missing file", func(t *testing.T) {
		err := pdf.ValidateFile(filepath.Join(dir, "absent.pdf"))
		require.ErrorIs(t, err, models.ErrFileNotFound)
	})

	t.Run("should reject empty file", func(t *testing.T) {
		path := testhelpers.WriteFile(t, dir, "empty.pdf", nil)
		require.ErrorIs(t, pdf.ValidateFile(path), models.ErrEmptyFile)
	})

	t.Run("should reject bad header", func(t *testing.T) {
		path := testhelpers.WriteFile(t, dir, "header.pdf", []byte("GIF89a %%EOF"))
		require.ErrorIs(t, pdf.ValidateFile(path), models.ErrBadHeader)
	})

	t.Run("should reject truncated document", func(t *testing.T) {
		full := testhelpers.BuildPDF(1)
		path := testhelpers.WriteFile(t, dir, "truncated.pdf", full[:len(full)-10])
		err := pdf.ValidateFile(path)
		require.ErrorIs(t, err, models.ErrBadTrailer)
		require.True(t, models.IsValidationError(err))
	})

	t.Run("should handle files shorter than the header", func(t *testing.T) {
		path := testhelpers.WriteFile(t, dir, "short.pdf", []byte("%P"))
		require.ErrorIs(t, pdf.ValidateFile(path), models.ErrBadHeader)
	})

	require.False(t, models.IsValidationError(errors.New("other")))
}

package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Format is the detected attachment content format. Detection trusts file
// contents, never the filename extension or the declared mime type.
type Format string

const (
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
	FormatXLSX    Format = "xlsx"
	FormatText    Format = "text"
	FormatUnknown Format = "unknown"
)

// DetectFormat sniffs magic bytes from the file. OOXML containers share the
// zip signature, so those are told apart by their well-known inner entries.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, eris.Wrapf(err, "extract: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, 512)
	n, err := f.Read(head)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return FormatUnknown, eris.Wrapf(err, "extract: read %s", path)
		}
		return FormatUnknown, nil
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("%PDF")):
		return FormatPDF, nil
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return detectOOXML(path)
	case looksLikeText(head):
		return FormatText, nil
	}
	return FormatUnknown, nil
}

func detectOOXML(path string) (Format, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		// Truncated or fake zip header.
		return FormatUnknown, nil
	}
	defer zr.Close() //nolint:errcheck

	for _, entry := range zr.File {
		switch {
		case strings.HasPrefix(entry.Name, "word/document"):
			return FormatDOCX, nil
		case strings.HasPrefix(entry.Name, "xl/workbook"):
			return FormatXLSX, nil
		}
	}
	return FormatUnknown, nil
}

// looksLikeText accepts UTF-8 with at most a sprinkling of control bytes,
// plus UTF-16 streams recognized by their BOM.
func looksLikeText(head []byte) bool {
	if bytes.HasPrefix(head, []byte{0xFF, 0xFE}) || bytes.HasPrefix(head, []byte{0xFE, 0xFF}) {
		return true
	}
	if bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}) {
		return true
	}
	if !utf8.Valid(trimPartialRune(head)) {
		return false
	}
	control := 0
	for _, b := range head {
		if b < 0x09 || (b > 0x0D && b < 0x20) {
			control++
		}
	}
	return control*20 < len(head)
}

// trimPartialRune drops a rune cut off by the 512-byte read window.
func trimPartialRune(b []byte) []byte {
	for i := len(b); i > 0 && i > len(b)-4; i-- {
		if utf8.Valid(b[:i]) {
			return b[:i]
		}
	}
	return b
}

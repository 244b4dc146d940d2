// Package extract implements Phase 1 of the two-phase analysis: turning
// downloaded attachment binaries into plain text, one terminal status per
// attachment.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Extractor turns one local file into plain text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// PDFExtractor shells out to the pdftotext CLI tool.
type PDFExtractor struct {
	binPath string
}

// NewPDFExtractor creates a PDFExtractor. If binPath is empty, "pdftotext"
// is resolved from PATH.
func NewPDFExtractor(binPath string) *PDFExtractor {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PDFExtractor{binPath: binPath}
}

// Extract runs pdftotext -layout and returns stdout.
func (p *PDFExtractor) Extract(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", path, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "extract: pdftotext failed for %s: %s", path, stderr.String())
	}
	return stdout.String(), nil
}

// DOCXExtractor pulls paragraph text out of the OOXML document part.
type DOCXExtractor struct{}

func (DOCXExtractor) Extract(_ context.Context, path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", eris.Wrapf(err, "extract: open docx %s", path)
	}
	defer zr.Close() //nolint:errcheck

	for _, entry := range zr.File {
		if entry.Name != "word/document.xml" {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return "", eris.Wrap(err, "extract: open document.xml")
		}
		defer rc.Close() //nolint:errcheck
		return docxText(rc)
	}
	return "", eris.Errorf("extract: %s has no word/document.xml", path)
}

// docxText walks the document XML collecting run text, one line per
// paragraph. Unknown elements are skipped, not errors.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", eris.Wrap(err, "extract: parse document.xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// XLSXExtractor renders every sheet as tab-separated rows.
type XLSXExtractor struct{}

func (XLSXExtractor) Extract(_ context.Context, path string) (string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "extract: open xlsx %s", path)
	}

	var b strings.Builder
	for _, sheet := range f.Sheets {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("## " + sheet.Name + "\n")
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// TextExtractor decodes plain text files, honoring UTF-8/UTF-16 BOMs.
type TextExtractor struct{}

func (TextExtractor) Extract(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "extract: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(f, dec))
	if err != nil {
		return "", eris.Wrapf(err, "extract: decode %s", path)
	}
	return string(data), nil
}

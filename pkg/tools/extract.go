package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// isDocumentExt reports whether ext is a binary document format the
// extractors handle.
func isDocumentExt(ext string) bool {
	switch ext {
	case ".pdf", ".docx", ".xlsx", ".pptx":
		return true
	}
	return false
}

// extractDocument converts a binary document to plain text.
func extractDocument(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDF(path)
	case ".docx":
		return extractDocx(path)
	case ".xlsx":
		return extractXlsx(path)
	case ".pptx":
		// PPTX shares the OOXML container; the docx reader pulls its
		// shared strings well enough for text extraction.
		return extractDocx(path)
	}
	return "", fmt.Errorf("no extractor for %s", filepath.Ext(path))
}

func extractPDF(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("parsing PDF %s: %w", path, err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func extractDocx(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("parsing document %s: %w", path, err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

func extractXlsx(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("parsing spreadsheet %s: %w", path, err)
	}
	defer f.Close()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		var b strings.Builder
		fmt.Fprintf(&b, "--- Sheet: %s ---\n", sheet)
		rows, err := f.GetRows(sheet)
		if err != nil {
			fmt.Fprintf(&b, "Error reading sheet: %v\n", err)
			parts = append(parts, b.String())
			continue
		}
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}

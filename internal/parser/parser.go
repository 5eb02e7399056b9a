package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"compactbot/internal/models"
)

const defaultPageNumber = 1

// LoadDirectory reads every file directly under dir whose extension is listed in
// exts. Subdirectories are not scanned. Loading is all-or-nothing: the first
// unreadable file fails the whole call.
func LoadDirectory(dir string, exts []string) ([]models.Document, error) {
	files, err := CorpusFiles(dir, exts)
	if err != nil {
		return nil, err
	}

	var docs []models.Document
	for _, path := range files {
		doc, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrCorpusLoad, path, err)
		}
		log.Debug().Str("file", path).Int("pages", len(doc.Pages)).Msg("Loaded document")
		docs = append(docs, doc)
	}
	return docs, nil
}

// DigestDirectory returns the documents LoadDirectory would load with only
// Source and Digest set. Nothing is parsed.
func DigestDirectory(dir string, exts []string) ([]models.Document, error) {
	files, err := CorpusFiles(dir, exts)
	if err != nil {
		return nil, err
	}
	docs := make([]models.Document, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrCorpusLoad, err)
		}
		docs = append(docs, models.Document{Source: filepath.Base(path), Digest: Digest(data)})
	}
	return docs, nil
}

// CorpusFiles lists the files LoadDirectory would read, in the same order.
func CorpusFiles(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCorpusLoad, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !hasExtension(entry.Name(), exts) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// Digest is the content hash stored in Document.Digest.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.ContainsFunc(exts, func(e string) bool {
		return strings.ToLower(e) == ext
	})
}

// LoadFile extracts the page-level text of a single file. The file is read
// once, and the digest covers exactly the bytes that were parsed.
func LoadFile(filePath string) (models.Document, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	var parse func([]byte) ([]models.Page, error)
	switch ext {
	case ".pdf":
		parse = parsePDF
	case ".docx":
		parse = parseDOCX
	case ".xlsx":
		parse = parseXLSX
	case ".md":
		parse = parseMarkdown
	case ".txt":
		parse = parseText
	default:
		return models.Document{}, fmt.Errorf("unsupported file format: %s", ext)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return models.Document{}, err
	}
	pages, err := parse(data)
	if err != nil {
		return models.Document{}, err
	}
	return models.Document{Source: filepath.Base(filePath), Digest: Digest(data), Pages: pages}, nil
}

func parsePDF(data []byte) ([]models.Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var pages []models.Page
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, models.Page{Number: i, Text: pageText})
	}
	return pages, nil
}

func parseDOCX(data []byte) ([]models.Page, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// GetContent returns the raw document.xml
	content, err := extractTextFromXML(r.Editable().GetContent(), "t", "p")
	if err != nil {
		return nil, err
	}
	return []models.Page{{Number: defaultPageNumber, Text: content}}, nil
}

func parseXLSX(data []byte) ([]models.Page, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []models.Page
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		pages = append(pages, models.Page{Number: sheetNum + 1, Text: text.String()})
	}
	return pages, nil
}

func parseMarkdown(data []byte) ([]models.Page, error) {
	return []models.Page{{Number: defaultPageNumber, Text: markdownToText(data)}}, nil
}

func parseText(data []byte) ([]models.Page, error) {
	return []models.Page{{Number: defaultPageNumber, Text: string(data)}}, nil
}

// markdownToText drops markdown syntax and keeps the readable text, including
// the bodies of code blocks.
func markdownToText(source []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				buf.Write(line.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

// extractTextFromXML collects the character data of every textTag element and
// ends a line at each closing paragraphTag. Namespaces are ignored.
func extractTextFromXML(xmlContent, textTag, paragraphTag string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(xmlContent))
	var (
		out    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textTag {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case textTag:
				inText = false
			case paragraphTag:
				out.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

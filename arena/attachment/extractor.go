package attachment

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedDocument 文档格式无法提取文本
var ErrUnsupportedDocument = errors.New("unsupported document type")

// ObjectReader 读取对象存储中的附件
type ObjectReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// DocumentExtractor 从文档中提取纯文本
type DocumentExtractor interface {
	Extract(ctx context.Context, docPath string) (string, error)
}

// TextExtractor 支持纯文本类文件与 .docx
type TextExtractor struct {
	objects  ObjectReader
	maxRunes int
}

// NewTextExtractor 创建提取器。maxRunes <= 0 表示不截断。
func NewTextExtractor(objects ObjectReader, maxRunes int) *TextExtractor {
	return &TextExtractor{objects: objects, maxRunes: maxRunes}
}

var plainTextExt = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true,
	".json": true, ".yaml": true, ".yml": true, ".xml": true, ".log": true, ".html": true, ".htm": true,
}

// Extract 读取并提取文本
func (e *TextExtractor) Extract(ctx context.Context, docPath string) (string, error) {
	ext := strings.ToLower(path.Ext(docPath))
	if ext != ".docx" && !plainTextExt[ext] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDocument, ext)
	}

	data, err := e.objects.Get(ctx, docPath)
	if err != nil {
		return "", err
	}

	var text string
	if ext == ".docx" {
		text, err = docxText(data)
		if err != nil {
			return "", err
		}
	} else {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrUnsupportedDocument, docPath)
		}
		text = string(data)
	}
	return e.truncate(strings.TrimSpace(text)), nil
}

func (e *TextExtractor) truncate(s string) string {
	if e.maxRunes <= 0 || utf8.RuneCountInString(s) <= e.maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:e.maxRunes])
}

// docxText 读取 word/document.xml 中的 <w:t> 文本，段落之间换行
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("%w: docx without word/document.xml", ErrUnsupportedDocument)
	}
	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

// Package backend はファイル形式を判定して対応するバックエンドで文書を開きます。
package backend

import (
	"fmt"
	"slices"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/paper-view/internal/backend/comics"
	"github.com/yourusername/paper-view/internal/backend/pdf"
	"github.com/yourusername/paper-view/internal/backend/pixbuf"
	"github.com/yourusername/paper-view/internal/document"
)

// Detect は path の内容から MIME タイプを判定します。
func Detect(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("ファイル形式を判定できませんでした: %w", err)
	}
	return mt.String(), nil
}

// OpenBackend は mimeType に対応するバックエンドで path を開きます。
func OpenBackend(path, mimeType string) (document.Backend, error) {
	switch {
	case is(mimeType, pdf.MIMEType):
		return pdf.Open(path)
	case isAny(mimeType, comics.MIMETypes):
		return comics.Open(path)
	case isAny(mimeType, pixbuf.MIMETypes):
		return pixbuf.Open(path)
	default:
		return nil, fmt.Errorf("%s: %w", mimeType, document.ErrUnsupported)
	}
}

// Open は path を判定して開き、ロック付きの Document として返します。
func Open(path string) (*document.Document, error) {
	mimeType, err := Detect(path)
	if err != nil {
		return nil, err
	}
	b, err := OpenBackend(path, mimeType)
	if err != nil {
		return nil, err
	}
	return document.New(path, mimeType, b), nil
}

// Reopen は同じ形式のバックエンドを開き直し、doc のバックエンドを差し替えます。
func Reopen(doc *document.Document) error {
	b, err := OpenBackend(doc.Path, doc.MIMEType)
	if err != nil {
		return err
	}
	return doc.Reload(b)
}

// is は別名を含めて mimeType が want と一致するかを返します。
func is(mimeType, want string) bool {
	if mt := mimetype.Lookup(mimeType); mt != nil {
		return mt.Is(want)
	}
	return mimeType == want
}

func isAny(mimeType string, want []string) bool {
	return slices.ContainsFunc(want, func(w string) bool { return is(mimeType, w) })
}

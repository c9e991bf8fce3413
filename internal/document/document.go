package document

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Document はバックエンドとそのアクセスロックを所有するハンドルです。
// バックエンドへの呼び出しはすべて With / TryWith を経由して直列化されます。
type Document struct {
	ID       string
	Path     string
	MIMEType string

	mu      sync.Mutex
	backend Backend
	closed  bool
}

// New はバックエンドを包んだ Document を作成します。
func New(path, mimeType string, backend Backend) *Document {
	if backend == nil {
		panic("document: nil backend")
	}
	return &Document{
		ID:       uuid.NewString(),
		Path:     path,
		MIMEType: mimeType,
		backend:  backend,
	}
}

// With はドキュメントロックを保持したまま fn を実行します。
// fn の外にバックエンドを持ち出してはいけません。
func (d *Document) With(fn func(Backend) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		panic(fmt.Sprintf("document %s: use after close", d.ID))
	}
	return fn(d.backend)
}

// TryWith はロックが取得できた場合のみ fn を実行します。
// インタラクティブスレッドからの呼び出しをブロックさせないために使います。
func (d *Document) TryWith(fn func(Backend) error) (bool, error) {
	if !d.mu.TryLock() {
		return false, nil
	}
	defer d.mu.Unlock()
	if d.closed {
		panic(fmt.Sprintf("document %s: use after close", d.ID))
	}
	return true, fn(d.backend)
}

// PageCount はロックを取ってページ数を返します。
func (d *Document) PageCount() int {
	var n int
	_ = d.With(func(b Backend) error {
		n = b.PageCount()
		return nil
	})
	return n
}

// Reload はファイル変更後に新しいバックエンドへ差し替えます。古いバックエンドは閉じられます。
func (d *Document) Reload(backend Backend) error {
	if backend == nil {
		panic("document: nil backend")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.backend
	d.backend = backend
	if old != nil {
		return old.Close()
	}
	return nil
}

// Close はバックエンドを閉じます。以降の With はパニックします。
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.backend.Close()
}

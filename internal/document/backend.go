// Package document はドキュメントバックエンドの能力インターフェースと、
// バックエンド呼び出しを直列化するドキュメントハンドルを提供します。
package document

import (
	"context"
	"errors"
	"image"
	"io"
)

var (
	// ErrUnsupported はバックエンドが対応していない形式を開こうとした場合のエラーです。
	ErrUnsupported = errors.New("unsupported document type")
	// ErrNoCapability はバックエンドが要求された機能を実装していない場合のエラーです。
	ErrNoCapability = errors.New("backend does not provide this capability")
)

// Backend はすべてのバックエンドが実装する必須の能力です。
// メソッドは Document のロックを保持した状態でのみ呼び出されます。
type Backend interface {
	PageCount() int
	// PageSize はスケール 1.0 (ポイント単位) のページ寸法を返します。
	PageSize(page int) (width, height float64)
	Render(ctx context.Context, rc RenderContext) (*image.RGBA, error)
	Close() error
}

// Labeler はページラベルを持つバックエンドが実装します。
type Labeler interface {
	PageLabel(page int) string
}

// TextProvider はページのテキストとレイアウトを返します。
type TextProvider interface {
	Text(page int) (string, error)
	// TextLayout は Text の各ルーンに対応する矩形を返します。
	TextLayout(page int) ([]Rect, error)
}

// LinkProvider はリンクとアウトラインを返します。
type LinkProvider interface {
	Links(page int) ([]LinkMapping, error)
	Outline() ([]OutlineItem, error)
}

// ImageProvider はページ内の画像配置を返します。
type ImageProvider interface {
	Images(page int) ([]ImageMapping, error)
}

// FormProvider はフォームフィールドの取得と書き込みを行います。
type FormProvider interface {
	FormFields(page int) ([]FormField, error)
	SetFormFieldValue(page int, name, value string) error
}

// SelectionRenderer は選択範囲のオーバーレイを独自に描画できるバックエンドが実装します。
// 実装しない場合はページサーフェスから汎用的に導出されます。
type SelectionRenderer interface {
	RenderSelection(rc RenderContext, surface *image.RGBA, sel Rect, style SelectionStyle) (*image.RGBA, []image.Rectangle, error)
}

// FontScan は1回のフォント走査の状態です。走査ごとに呼び出し側が1つ持ちます。
type FontScan struct {
	// Step は次に行うステップの番号です。ScanFonts が進めます。
	Step int
	// Fonts はこれまでに見つかったフォントです。
	Fonts []FontInfo
	// State はバックエンドが途中状態を置くのに使います。
	State any
}

// FontScanner はフォントを段階的に走査します。
// ScanFonts は scan を1ステップ進め、進捗率 (0〜1) と完了したかどうかを返します。
// 状態はすべて scan に置かれるため、同じバックエンドで複数の走査を交互に進められます。
type FontScanner interface {
	ScanFonts(ctx context.Context, scan *FontScan) (progress float64, done bool, err error)
}

// Saver は元ファイルを保存・転送できるバックエンドが実装します。
type Saver interface {
	Save(ctx context.Context, dst io.Writer) error
}

// InfoProvider はドキュメントのメタデータを返します。
type InfoProvider interface {
	Info() Info
}

// Package render はドキュメントに対するバックグラウンド処理 (ジョブ) と、
// 優先度付きキューでそれを実行するスケジューラーを提供します。
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yourusername/paper-view/internal/document"
)

// ErrCancelled はキャンセルされたジョブの Err が返すエラーです。
var ErrCancelled = errors.New("render: job cancelled")

// Kind はジョブの種類です。
type Kind int

const (
	KindRender Kind = iota
	KindThumbnail
	KindPageData
	KindLinks
	KindTransfer
	KindFonts
	KindLoad
	KindFind
)

var kindNames = map[Kind]string{
	KindRender:    "render",
	KindThumbnail: "thumbnail",
	KindPageData:  "page-data",
	KindLinks:     "links",
	KindTransfer:  "transfer",
	KindFonts:     "fonts",
	KindLoad:      "load",
	KindFind:      "find",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind は設定値の文字列から Kind を返します。
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown job kind %q", s)
}

// DefaultKindPrecedence は同じ優先度内でのジョブ種別の既定の順序です。
var DefaultKindPrecedence = []Kind{
	KindRender, KindThumbnail, KindPageData, KindLinks, KindTransfer, KindFonts, KindLoad, KindFind,
}

// Priority はジョブの優先度です。値が小さいほど先に実行されます。
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityLow
	PriorityNone
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	case PriorityNone:
		return "none"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// RunMode はジョブを実行するコンテキストです。
type RunMode int

const (
	// RunInWorker はワーカーゴルーチン上で実行します。
	RunInWorker RunMode = iota
	// RunInLoop はインタラクティブ Loop 上で1ステップずつ実行します。
	RunInLoop
)

// Job はスケジューラーが実行する作業単位です。
// 具体的な型は RenderJob, ThumbnailJob, PageDataJob, LinksJob, FontsJob,
// TransferJob, FindJob, LoadJob のいずれかです。
type Job interface {
	Kind() Kind
	Document() *document.Document
	Priority() Priority
	RunMode() RunMode
	Cancel()
	IsCancelled() bool
	IsFinished() bool
	Err() error
	// OnFinished は完了通知のコールバックを登録します。通知は loop 上で呼ばれ、
	// キャンセルされたジョブには届きません。
	OnFinished(loop *Loop, fn func(Job))
	// OnUpdated は段階的なジョブの進捗通知を登録します。
	OnUpdated(loop *Loop, fn func(Job, float64))

	core() *jobBase
	// step は1ステップを実行します。again が true の場合は再度呼び出されます。
	step(ctx context.Context, b document.Backend) (again bool, err error)
}

type jobBase struct {
	self Job
	kind Kind
	doc  *document.Document
	mode RunMode

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	finished  atomic.Bool
	errMu     sync.Mutex
	err       error

	cbMu       sync.Mutex
	loop       *Loop
	onFinished func(Job)
	onUpdated  func(Job, float64)
	priority   Priority

	// 以下はスケジューラーのロックで保護されます。
	queued    bool
	submitted bool
	runLoop   *Loop
}

func (b *jobBase) init(self Job, kind Kind, doc *document.Document) {
	if doc == nil && kind != KindLoad {
		panic(fmt.Sprintf("render: %s job without a document", kind))
	}
	b.self = self
	b.kind = kind
	b.doc = doc
	b.ctx, b.cancel = context.WithCancel(context.Background())
}

func (b *jobBase) core() *jobBase { return b }

// Kind はジョブの種類を返します。
func (b *jobBase) Kind() Kind { return b.kind }

// Document は対象ドキュメントを返します。
func (b *jobBase) Document() *document.Document { return b.doc }

// RunMode は実行コンテキストを返します。
func (b *jobBase) RunMode() RunMode { return b.mode }

// SetRunMode は実行コンテキストを変更します。投入前にのみ呼び出してください。
func (b *jobBase) SetRunMode(mode RunMode) { b.mode = mode }

// Priority は最後に投入・移動された優先度を返します。
func (b *jobBase) Priority() Priority {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	return b.priority
}

func (b *jobBase) setPriority(p Priority) {
	b.cbMu.Lock()
	b.priority = p
	b.cbMu.Unlock()
}

// Cancel はジョブをキャンセルします。何度呼んでも構いません。
// 実行中のジョブに対しては助言的で、処理は完了まで進むことがありますが通知は届きません。
func (b *jobBase) Cancel() {
	if b.cancelled.CompareAndSwap(false, true) {
		b.cancel()
	}
}

// IsCancelled はキャンセル済みかどうかを返します。
func (b *jobBase) IsCancelled() bool { return b.cancelled.Load() }

// IsFinished は処理が終わり、結果 (またはエラー) を読み出せるかどうかを返します。
func (b *jobBase) IsFinished() bool { return b.finished.Load() }

// Err はジョブのエラーを返します。
func (b *jobBase) Err() error {
	if b.IsCancelled() && !b.IsFinished() {
		return ErrCancelled
	}
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *jobBase) finish(err error) {
	b.errMu.Lock()
	b.err = err
	b.errMu.Unlock()
	b.finished.Store(true)
}

// OnFinished は Job を実装します。
func (b *jobBase) OnFinished(loop *Loop, fn func(Job)) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.loop = loop
	b.onFinished = fn
}

// OnUpdated は Job を実装します。
func (b *jobBase) OnUpdated(loop *Loop, fn func(Job, float64)) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.loop = loop
	b.onUpdated = fn
}

func (b *jobBase) target() (*Loop, func(Job), func(Job, float64)) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	return b.loop, b.onFinished, b.onUpdated
}

func (b *jobBase) reportProgress(progress float64) {
	loop, _, fn := b.target()
	if loop == nil || fn == nil {
		return
	}
	loop.Post(func() {
		if b.IsCancelled() {
			return
		}
		fn(b.self, progress)
	})
}

// deliver は完了通知をジョブの Loop に投稿します。
func (b *jobBase) deliver() {
	loop, fn, _ := b.target()
	if loop == nil || fn == nil {
		return
	}
	loop.Post(func() {
		if b.IsCancelled() {
			return
		}
		fn(b.self)
	})
}

func (b *jobBase) setDefaultLoop(loop *Loop) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	if b.loop == nil {
		b.loop = loop
	}
}

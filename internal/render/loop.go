package render

import (
	"context"
	"sync"
)

// Loop はインタラクティブスレッドのメールボックスです。
// Post されたタスクは Run または RunPending を呼んだゴルーチン上で投稿順に実行されます。
// ジョブの完了通知は必ず投稿元の Loop 上で届きます。
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

// NewLoop は空の Loop を作成します。
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post はタスクを末尾に追加します。どのゴルーチンからでも呼び出せます。
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunPending は現時点で溜まっているタスクを実行し、実行した数を返します。
// 実行中に投稿されたタスクは次回に回されます。
func (l *Loop) RunPending() int {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

// Pending はまだ実行されていないタスクの数を返します。
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Run は ctx が終わるまでタスクを実行し続けます。
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Call は fn を Loop 上で実行し、終わるまで待ちます。
// Loop が動いていない場合は ctx が終わるまでブロックします。
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

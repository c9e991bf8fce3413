// Package monitor は開いている文書ファイルの変更を監視します。
package monitor

import (
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDelay は書き込みが落ち着いてから通知するまでの待ち時間です。
const DefaultDelay = 500 * time.Millisecond

const changeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// Monitor はファイルごとにコールバックを登録できる監視器です。
// 保存時にファイルを置き換えるエディタに対応するため、親ディレクトリを監視します。
type Monitor struct {
	w      *fsnotify.Watcher
	delay  time.Duration
	logger *log.Logger

	mu     sync.Mutex
	files  map[string]func()
	dirs   map[string]int
	timers map[string]*time.Timer
	closed bool
	done   chan struct{}
}

// New は監視を開始します。delay が 0 以下なら DefaultDelay を使います。
func New(delay time.Duration, logger *log.Logger) (*Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Monitor{
		w:      w,
		delay:  delay,
		logger: logger,
		files:  make(map[string]func()),
		dirs:   make(map[string]int),
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m, nil
}

// Watch は path が変更されたときに onChange を呼ぶように登録します。
func (m *Monitor) Watch(path string, onChange func()) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; ok {
		m.files[path] = onChange
		return nil
	}
	if m.dirs[dir] == 0 {
		if err := m.w.Add(dir); err != nil {
			return err
		}
	}
	m.dirs[dir]++
	m.files[path] = onChange
	return nil
}

// Unwatch は path の監視を解除します。
func (m *Monitor) Unwatch(path string) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return
	}
	delete(m.files, path)
	if t, ok := m.timers[path]; ok {
		t.Stop()
		delete(m.timers, path)
	}
	m.dirs[dir]--
	if m.dirs[dir] <= 0 {
		delete(m.dirs, dir)
		_ = m.w.Remove(dir)
	}
}

// Close は監視を終了します。保留中の通知は破棄されます。
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for path, t := range m.timers {
		t.Stop()
		delete(m.timers, path)
	}
	m.mu.Unlock()
	err := m.w.Close()
	<-m.done
	return err
}

func (m *Monitor) loop() {
	defer close(m.done)
	for {
		select {
		case ev, ok := <-m.w.Events:
			if !ok {
				return
			}
			if ev.Op&changeOps == 0 {
				continue
			}
			m.schedule(filepath.Clean(ev.Name))
		case err, ok := <-m.w.Errors:
			if !ok {
				return
			}
			m.logger.Printf("monitor: %v", err)
		}
	}
}

// schedule は path の通知を遅らせ、その間の変更を1回にまとめます。
func (m *Monitor) schedule(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.files[path]; !ok {
		return
	}
	if t, ok := m.timers[path]; ok {
		t.Reset(m.delay)
		return
	}
	m.timers[path] = time.AfterFunc(m.delay, func() { m.fire(path) })
}

func (m *Monitor) fire(path string) {
	m.mu.Lock()
	delete(m.timers, path)
	fn := m.files[path]
	closed := m.closed
	m.mu.Unlock()
	if fn == nil || closed {
		return
	}
	m.logger.Printf("monitor: %s changed", path)
	fn()
}

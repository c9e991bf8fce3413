package render

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yourusername/paper-view/internal/document"
)

// loopRetryDelay は Loop 上のジョブがドキュメントロックを取れなかった場合の再試行間隔です。
const loopRetryDelay = 5 * time.Millisecond

// Config はスケジューラーの設定です。
type Config struct {
	// Workers はワーカーゴルーチンの数です。0 以下は 1 として扱います。
	Workers int
	// KindPrecedence は同じ優先度内でのジョブ種別の順序です。空の場合は DefaultKindPrecedence。
	KindPrecedence []Kind
	// Loop は OnFinished で Loop が指定されなかったジョブの通知先です。
	Loop  *Loop
	Debug bool
}

// Scheduler は優先度付きキューとワーカーを所有し、ジョブを実行します。
// バックエンドの呼び出しは必ずドキュメントロックの内側で行われ、
// スケジューラー自身のロックはバックエンド呼び出しを跨いで保持されません。
type Scheduler struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numPriorities][][]Job
	rank    map[Kind]int
	running []Job
	closed  bool

	// loopQs は Loop ごとの、その Loop 上で実行するジョブの FIFO です。
	loopQs map[*Loop]*loopQueue

	wg sync.WaitGroup
}

// loopQueue は1つの Loop に属するジョブの FIFO です。
// posted は loopStep が投稿済み (または再試行待ち) であることを示します。
type loopQueue struct {
	jobs   []Job
	posted bool
}

// NewScheduler はスケジューラーを作成してワーカーを起動します。
func NewScheduler(cfg Config, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		rank:   kindRanks(cfg.KindPrecedence),
		loopQs: make(map[*Loop]*loopQueue),
	}
	s.cond = sync.NewCond(&s.mu)
	for p := range s.queues {
		s.queues[p] = make([][]Job, len(s.rank))
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.work(i)
	}
	return s
}

// kindRanks は指定された順序に含まれない種別を既定の順序で末尾に補います。
func kindRanks(precedence []Kind) map[Kind]int {
	rank := make(map[Kind]int, len(DefaultKindPrecedence))
	for _, k := range precedence {
		if _, dup := rank[k]; !dup {
			rank[k] = len(rank)
		}
	}
	for _, k := range DefaultKindPrecedence {
		if _, ok := rank[k]; !ok {
			rank[k] = len(rank)
		}
	}
	return rank
}

// Submit はジョブを (優先度, 種別) のキューに追加し、待機中のワーカーを起こします。
// 同じジョブを二度投入するのは呼び出し側のバグです。
func (s *Scheduler) Submit(job Job, priority Priority) {
	if priority < PriorityUrgent || priority >= numPriorities {
		panic(fmt.Sprintf("render: invalid priority %d", priority))
	}
	b := job.core()
	b.setDefaultLoop(s.cfg.Loop)
	loop, _, _ := b.target()
	if job.RunMode() == RunInLoop && loop == nil {
		panic(fmt.Sprintf("render: %s job runs on a loop but none was given", job.Kind()))
	}

	s.mu.Lock()
	if b.submitted {
		s.mu.Unlock()
		panic(fmt.Sprintf("render: %s job submitted twice", job.Kind()))
	}
	b.submitted = true
	b.setPriority(priority)
	if s.closed {
		s.mu.Unlock()
		job.Cancel()
		s.logger.Printf("render: scheduler closed, dropping %s job", job.Kind())
		return
	}
	if s.cfg.Debug {
		s.logger.Printf("render: submit job=%s priority=%s%s", job.Kind(), priority, describe(job))
	}

	if job.RunMode() == RunInLoop {
		b.runLoop = loop
		q := s.loopQs[loop]
		if q == nil {
			q = &loopQueue{}
			s.loopQs[loop] = q
		}
		q.jobs = append(q.jobs, job)
		b.queued = true
		s.mu.Unlock()
		s.postLoopStep(loop, 0)
		return
	}

	s.pushLocked(job, priority)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Scheduler) pushLocked(job Job, priority Priority) {
	r := s.rank[job.Kind()]
	s.queues[priority][r] = append(s.queues[priority][r], job)
	job.core().queued = true
}

func (s *Scheduler) removeLocked(job Job) bool {
	b := job.core()
	if !b.queued {
		return false
	}
	if job.RunMode() == RunInLoop {
		q := s.loopQs[b.runLoop]
		if q == nil {
			return false
		}
		for i, j := range q.jobs {
			if j == job {
				q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
				b.queued = false
				if len(q.jobs) == 0 {
					delete(s.loopQs, b.runLoop)
				}
				return true
			}
		}
		return false
	}
	r := s.rank[job.Kind()]
	q := s.queues[job.Priority()][r]
	for i, j := range q {
		if j == job {
			s.queues[job.Priority()][r] = append(q[:i], q[i+1:]...)
			b.queued = false
			return true
		}
	}
	return false
}

// Reprioritize はキュー待ちのジョブを新しい優先度のキューの末尾へ移動します。
// 実行中または完了したジョブに対しては何もしません。
func (s *Scheduler) Reprioritize(job Job, priority Priority) {
	if priority < PriorityUrgent || priority >= numPriorities {
		panic(fmt.Sprintf("render: invalid priority %d", priority))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := job.core()
	if !b.queued || job.IsCancelled() || job.Priority() == priority || job.RunMode() == RunInLoop {
		return
	}
	s.removeLocked(job)
	b.setPriority(priority)
	s.pushLocked(job, priority)
	if s.cfg.Debug {
		s.logger.Printf("render: reprioritize job=%s priority=%s%s", job.Kind(), priority, describe(job))
	}
}

// Cancel はジョブをキャンセルし、キュー待ちであれば取り除きます。
func (s *Scheduler) Cancel(job Job) {
	job.Cancel()
	s.mu.Lock()
	removed := s.removeLocked(job)
	loop := job.core().runLoop
	s.mu.Unlock()
	if removed && s.cfg.Debug {
		s.logger.Printf("render: cancel queued job=%s%s", job.Kind(), describe(job))
	}
	if removed && loop != nil {
		s.postLoopStep(loop, 0)
	}
}

// Pending はキュー待ちのジョブ数を返します。
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pendingLocked()
	for _, q := range s.loopQs {
		n += len(q.jobs)
	}
	return n
}

func (s *Scheduler) pendingLocked() int {
	n := 0
	for p := range s.queues {
		for _, q := range s.queues[p] {
			n += len(q)
		}
	}
	return n
}

// RunningJob は最も古くから実行中のジョブを返します。なければ nil です。
func (s *Scheduler) RunningJob() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.running) == 0 {
		return nil
	}
	return s.running[0]
}

// Close はワーカーを停止し、キュー待ちのジョブをすべてキャンセルします。
// 実行中のジョブにはキャンセルが伝えられ、その終了を待ってから戻ります。
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped []Job
	for p := range s.queues {
		for r, q := range s.queues[p] {
			dropped = append(dropped, q...)
			s.queues[p][r] = nil
		}
	}
	for loop, q := range s.loopQs {
		dropped = append(dropped, q.jobs...)
		delete(s.loopQs, loop)
	}
	dropped = append(dropped, s.running...)
	for _, j := range dropped {
		j.core().queued = false
	}
	s.mu.Unlock()

	for _, j := range dropped {
		j.Cancel()
	}
	s.cond.Broadcast()
	s.wg.Wait()
}

// popLocked は最も優先度の高い空でないキューの先頭を取り出します。
func (s *Scheduler) popLocked() Job {
	for p := range s.queues {
		for r, q := range s.queues[p] {
			if len(q) == 0 {
				continue
			}
			job := q[0]
			s.queues[p][r] = q[1:]
			job.core().queued = false
			return job
		}
	}
	return nil
}

func (s *Scheduler) work(id int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for !s.closed && s.pendingLocked() == 0 {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		job := s.popLocked()
		s.running = append(s.running, job)
		s.mu.Unlock()

		if !job.IsCancelled() {
			if s.cfg.Debug {
				s.logger.Printf("render: worker=%d run job=%s priority=%s%s", id, job.Kind(), job.Priority(), describe(job))
			}
			s.runToCompletion(job)
		}

		s.mu.Lock()
		for i, j := range s.running {
			if j == job {
				s.running = append(s.running[:i], s.running[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

// runToCompletion はジョブのステップを完了するかキャンセルされるまで繰り返します。
// ステップの間ではドキュメントロックが解放されます。
func (s *Scheduler) runToCompletion(job Job) {
	b := job.core()
	for {
		if job.IsCancelled() {
			return
		}
		again, err := s.runStep(job, func(fn func(document.Backend) error) error {
			return b.doc.With(fn)
		})
		if err != nil || !again {
			s.complete(job, err)
			return
		}
	}
}

// runStep はドキュメントロックの内側で1ステップ実行します。
// バックエンドのパニックはジョブのエラーに変換されます。
func (s *Scheduler) runStep(job Job, with func(func(document.Backend) error) error) (again bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			again = false
			err = fmt.Errorf("render: %s job panicked: %v", job.Kind(), r)
		}
	}()
	b := job.core()
	if b.doc == nil {
		return job.step(b.ctx, nil)
	}
	lockErr := with(func(be document.Backend) error {
		again, err = job.step(b.ctx, be)
		return nil
	})
	if lockErr != nil {
		return false, lockErr
	}
	return again, err
}

func (s *Scheduler) complete(job Job, err error) {
	if job.IsCancelled() {
		return
	}
	if err != nil {
		s.logger.Printf("render: job=%s failed%s: %v", job.Kind(), describe(job), err)
	} else if s.cfg.Debug {
		s.logger.Printf("render: finished job=%s%s", job.Kind(), describe(job))
	}
	job.core().finish(err)
	job.core().deliver()
}

// postLoopStep は loop のキューを進める loopStep を loop に投稿します。
// 投稿済みの場合やキューが空の場合は何もしません。
func (s *Scheduler) postLoopStep(loop *Loop, delay time.Duration) {
	s.mu.Lock()
	q := s.loopQs[loop]
	if s.closed || q == nil || q.posted || len(q.jobs) == 0 {
		s.mu.Unlock()
		return
	}
	q.posted = true
	s.mu.Unlock()
	step := func() { s.loopStep(loop, q) }
	if delay > 0 {
		time.AfterFunc(delay, func() { loop.Post(step) })
		return
	}
	loop.Post(step)
}

// loopStep は loop のキューの先頭ジョブを1ステップだけ進めます。
// ドキュメントロックが使用中であればブロックせずに後で再試行します。
// q が既に破棄されたキューであれば何もしません。
func (s *Scheduler) loopStep(loop *Loop, q *loopQueue) {
	s.mu.Lock()
	if s.loopQs[loop] != q {
		s.mu.Unlock()
		return
	}
	q.posted = false
	if s.closed || len(q.jobs) == 0 {
		delete(s.loopQs, loop)
		s.mu.Unlock()
		return
	}
	job := q.jobs[0]
	s.mu.Unlock()

	if job.IsCancelled() {
		s.advanceLoopQueue(loop, job)
		return
	}

	busy := false
	again, err := s.runStep(job, func(fn func(document.Backend) error) error {
		ok, err := job.Document().TryWith(fn)
		busy = !ok
		return err
	})
	if busy {
		s.postLoopStep(loop, loopRetryDelay)
		return
	}
	if err == nil && again {
		s.postLoopStep(loop, 0)
		return
	}
	s.advanceLoopQueue(loop, job)
	s.complete(job, err)
}

// advanceLoopQueue は完了したジョブを先頭から取り除き、残りがあれば次を投稿します。
func (s *Scheduler) advanceLoopQueue(loop *Loop, job Job) {
	s.mu.Lock()
	if q := s.loopQs[loop]; q != nil && len(q.jobs) > 0 && q.jobs[0] == job {
		q.jobs = q.jobs[1:]
		job.core().queued = false
		if len(q.jobs) == 0 {
			delete(s.loopQs, loop)
		}
	}
	s.mu.Unlock()
	s.postLoopStep(loop, 0)
}

func describe(job Job) string {
	switch j := job.(type) {
	case *RenderJob:
		return fmt.Sprintf(" page=%d scale=%.3f rotation=%d size=%dx%d", j.Page, j.Scale, j.Rotation, j.Width, j.Height)
	case *ThumbnailJob:
		return fmt.Sprintf(" page=%d width=%d", j.Page, j.Width)
	case *PageDataJob:
		return fmt.Sprintf(" page=%d", j.Page)
	case *FindJob:
		return fmt.Sprintf(" query=%q", j.Query)
	case *LoadJob:
		return fmt.Sprintf(" path=%s", j.Path)
	default:
		return ""
	}
}

package download

import (
	"context"
	"errors"
	"sync"
)

// ErrWorkerClosed は、停止済みの IOWorker にジョブを投入した場合のエラーです。
var ErrWorkerClosed = errors.New("I/Oワーカーは停止しています")

type ioJob struct {
	fn   func() error
	done chan error
}

// IOWorker は、ディスクに触れる処理を1つのgoroutineで順番に実行します。
// 同一ファイルの判定と一意な名前の決定が並行ダウンロード間で競合しないことを保証します。
type IOWorker struct {
	jobs      chan ioJob
	quit      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

// NewIOWorker はワーカーを起動します。不要になったら Close を呼び出してください。
func NewIOWorker() *IOWorker {
	w := &IOWorker{
		jobs:     make(chan ioJob),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *IOWorker) run() {
	defer close(w.finished)
	for {
		select {
		case job := <-w.jobs:
			job.done <- job.fn()
		case <-w.quit:
			return
		}
	}
}

// Do は fn をワーカー上で実行し、その結果を返します。
// 実行開始前に ctx が終了した場合は ctx.Err() を返します。開始したジョブは最後まで実行されます。
func (w *IOWorker) Do(ctx context.Context, fn func() error) error {
	job := ioJob{fn: fn, done: make(chan error, 1)}
	select {
	case w.jobs <- job:
	case <-w.quit:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-job.done
}

// Close はワーカーを停止し、実行中のジョブの完了を待ちます。
func (w *IOWorker) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.finished
}

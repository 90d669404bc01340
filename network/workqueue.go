package network

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/liangpengcheng/qnetpool/base"
)

// Task one unit of work for the queue
type Task interface {
	Run()
}

// Deleter releases a task once it has run (or never will). Tasks are
// usually counted by the owner's MemoryTrace, the deleter gives the
// count back.
type Deleter func(Task)

type taskEntry struct {
	task    Task
	deleter Deleter
}

// WorkQueue a fixed-size pool of worker goroutines popping tasks FIFO.
// Workers run parallel with each other but reach the network pool only
// through its thread-safe publish API.
type WorkQueue struct {
	mu    sync.Mutex
	cv    *sync.Cond
	exit  bool
	tasks *queue.Queue
	wg    sync.WaitGroup
}

// NewWorkQueue start n workers
func NewWorkQueue(n int) *WorkQueue {
	w := &WorkQueue{
		tasks: queue.New(),
	}
	w.cv = sync.NewCond(&w.mu)
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

// Push queue a task and wake one worker
func (w *WorkQueue) Push(task Task, deleter Deleter) {
	w.mu.Lock()
	if w.exit {
		w.mu.Unlock()
		if deleter != nil {
			deleter(task)
		}
		return
	}
	w.tasks.Add(taskEntry{task: task, deleter: deleter})
	w.mu.Unlock()
	w.cv.Signal()
}

func (w *WorkQueue) next() (taskEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.exit {
		if w.tasks.Length() == 0 {
			w.cv.Wait()
			continue
		}
		return w.tasks.Remove().(taskEntry), true
	}
	return taskEntry{}, false
}

func (w *WorkQueue) worker() {
	defer w.wg.Done()
	for {
		entry, ok := w.next()
		if !ok {
			return
		}
		w.runOne(entry)
	}
}

func (w *WorkQueue) runOne(entry taskEntry) {
	defer func() {
		if err := recover(); err != nil {
			base.LogError("task panic %v", err)
		}
	}()
	defer func() {
		if entry.deleter != nil {
			entry.deleter(entry.task)
		}
	}()
	entry.task.Run()
}

// Close stop the workers, join them and release undispatched tasks
// through their deleters.
func (w *WorkQueue) Close() {
	w.mu.Lock()
	w.exit = true
	w.mu.Unlock()
	w.cv.Broadcast()
	w.wg.Wait()
	w.mu.Lock()
	for w.tasks.Length() > 0 {
		entry := w.tasks.Remove().(taskEntry)
		if entry.deleter != nil {
			entry.deleter(entry.task)
		}
	}
	w.mu.Unlock()
}

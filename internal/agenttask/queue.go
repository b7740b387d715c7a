package agenttask

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// QueuedTask is one entry in the drain queue: a task waiting for
// admission. This engine has no priority concept — admission order is
// purely FIFO on CreatedAt with a deterministic TaskID tie-break,
// backed by a heap + lookup-map pairing so Remove stays O(log n).
type QueuedTask struct {
	TaskID    string
	CreatedAt time.Time
	index     int
}

type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].TaskID < h[j].TaskID
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	item := x.(*QueuedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TaskQueue is the FIFO admission queue backing Scheduler.Drain.
type TaskQueue struct {
	mu      sync.Mutex
	heap    taskHeap
	taskMap map[string]*QueuedTask
}

// NewTaskQueue constructs an empty queue.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*QueuedTask),
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds taskID to the queue. A second Enqueue for the same id
// is a no-op (the entry it would duplicate is already admission-ready).
func (q *TaskQueue) Enqueue(taskID string, createdAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[taskID]; exists {
		return
	}
	qt := &QueuedTask{TaskID: taskID, CreatedAt: createdAt}
	heap.Push(&q.heap, qt)
	q.taskMap[taskID] = qt
}

// Dequeue removes and returns the earliest-admissible task, or nil if
// the queue is empty.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.taskMap, qt.TaskID)
	return qt
}

// Remove drops taskID from the queue (used when a task is terminated
// while still queued). Returns false if it wasn't queued.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Peek returns the entries currently queued, in admission order,
// without dequeuing them (used by listDescendantAgentTasks-style reads).
func (q *TaskQueue) Peek() []*QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*QueuedTask, len(q.heap))
	copy(result, q.heap)
	sort.Slice(result, func(i, j int) bool { return taskHeap(result).Less(i, j) })
	return result
}

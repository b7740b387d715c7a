package agenttask

import (
	"testing"
	"testing/synctest"
	"time"
)

func TestNewTaskQueue(t *testing.T) {
	q := NewTaskQueue()
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
}

func TestTaskQueueEnqueueDequeue(t *testing.T) {
	q := NewTaskQueue()
	now := time.Now()

	q.Enqueue("task-1", now)
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}

	dequeued := q.Dequeue()
	if dequeued == nil {
		t.Fatal("Dequeue returned nil")
	}
	if dequeued.TaskID != "task-1" {
		t.Errorf("expected TaskID = task-1, got %s", dequeued.TaskID)
	}
	if q.Len() != 0 {
		t.Errorf("expected Len() = 0 after dequeue, got %d", q.Len())
	}
}

func TestTaskQueueEnqueueDuplicateIsNoOp(t *testing.T) {
	q := NewTaskQueue()
	now := time.Now()

	q.Enqueue("task-1", now)
	q.Enqueue("task-1", now.Add(time.Hour))

	if q.Len() != 1 {
		t.Errorf("expected duplicate enqueue to be a no-op, got Len() = %d", q.Len())
	}
}

func TestTaskQueueDequeueEmpty(t *testing.T) {
	q := NewTaskQueue()
	if got := q.Dequeue(); got != nil {
		t.Errorf("expected nil from empty queue, got %v", got)
	}
}

func TestTaskQueueFIFOByCreatedAt(t *testing.T) {
	q := NewTaskQueue()
	base := time.Now()

	q.Enqueue("second", base.Add(time.Second))
	q.Enqueue("first", base)
	q.Enqueue("third", base.Add(2*time.Second))

	order := []string{"first", "second", "third"}
	for _, want := range order {
		got := q.Dequeue()
		if got == nil || got.TaskID != want {
			t.Fatalf("expected %s next, got %v", want, got)
		}
	}
}

func TestTaskQueueTieBreakByTaskID(t *testing.T) {
	q := NewTaskQueue()
	same := time.Now()

	q.Enqueue("charlie", same)
	q.Enqueue("alpha", same)
	q.Enqueue("bravo", same)

	order := []string{"alpha", "bravo", "charlie"}
	for _, want := range order {
		got := q.Dequeue()
		if got == nil || got.TaskID != want {
			t.Fatalf("expected lexicographic tie-break %s, got %v", want, got)
		}
	}
}

func TestTaskQueueRemove(t *testing.T) {
	q := NewTaskQueue()
	now := time.Now()
	q.Enqueue("task-1", now)
	q.Enqueue("task-2", now.Add(time.Second))

	if !q.Remove("task-1") {
		t.Error("Remove should return true for a queued task")
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1 after remove, got %d", q.Len())
	}
	if q.Remove("task-1") {
		t.Error("Remove should return false once the task is gone")
	}
}

func TestTaskQueueRemoveNonExistent(t *testing.T) {
	q := NewTaskQueue()
	if q.Remove("missing") {
		t.Error("Remove should return false for a task never enqueued")
	}
}

func TestTaskQueuePeekDoesNotDequeue(t *testing.T) {
	q := NewTaskQueue()
	now := time.Now()
	q.Enqueue("task-1", now)
	q.Enqueue("task-2", now.Add(time.Second))

	peeked := q.Peek()
	if len(peeked) != 2 {
		t.Fatalf("expected Peek() to return 2 entries, got %d", len(peeked))
	}
	if q.Len() != 2 {
		t.Errorf("Peek() must not mutate the queue, Len() = %d", q.Len())
	}
}

func TestTaskQueueFIFOUnderFakeClock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewTaskQueue()

		q.Enqueue("first", time.Now())
		time.Sleep(time.Second)
		q.Enqueue("second", time.Now())
		time.Sleep(time.Second)
		q.Enqueue("third", time.Now())

		for _, want := range []string{"first", "second", "third"} {
			got := q.Dequeue()
			if got == nil || got.TaskID != want {
				t.Fatalf("expected %s, got %v", want, got)
			}
		}
	})
}

package task

import (
	"sync"

	"github.com/AltairaLabs/DispatchKit/logger"
)

// Controller bounds how many tasks execute at once. Tasks that do not get
// a slot wait in a FIFO queue until Release hands the freed slot to the
// queue head.
type Controller struct {
	mu            sync.Mutex
	maxConcurrent int
	runningCount  int
	queue         []*Task
}

// NewController creates a Controller admitting up to maxConcurrent
// concurrent tasks. Values below 1 are treated as 1.
func NewController(maxConcurrent int) *Controller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Controller{maxConcurrent: maxConcurrent}
}

// Acquire claims an execution slot. It returns false when all slots are
// taken, in which case the caller should Enqueue the task instead.
func (c *Controller) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningCount < c.maxConcurrent {
		c.runningCount++
		logger.Debug("Acquired execution slot",
			"running", c.runningCount,
			"max", c.maxConcurrent)
		return true
	}
	logger.Debug("At capacity, slot not acquired",
		"running", c.runningCount,
		"max", c.maxConcurrent)
	return false
}

// Enqueue appends the task to the waiting queue.
func (c *Controller) Enqueue(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, t)
	logger.Info("Enqueued task",
		"task_id", t.ID,
		"queue_size", len(c.queue))
}

// Release frees an execution slot. If the queue is non-empty the head is
// dequeued and the slot transferred to it atomically, so the released
// capacity can never be claimed by a late Acquire in between. The dequeued
// task is returned for the caller to start; nil means nothing was waiting.
func (c *Controller) Release() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningCount > 0 {
		c.runningCount--
	}

	if len(c.queue) == 0 {
		return nil
	}

	next := c.queue[0]
	c.queue = c.queue[1:]
	c.runningCount++
	logger.Info("Dequeued task for execution",
		"task_id", next.ID,
		"queue_size", len(c.queue))
	return next
}

// refundSlot returns an acquired slot without transferring it to the queue
// head. Used when the holder failed before it ever started.
func (c *Controller) refundSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningCount > 0 {
		c.runningCount--
	}
}

// RunningCount returns the number of tasks currently holding slots.
func (c *Controller) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningCount
}

// QueueSize returns the number of tasks waiting for a slot.
func (c *Controller) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// IsAtCapacity reports whether every execution slot is taken.
func (c *Controller) IsAtCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningCount >= c.maxConcurrent
}

package workqueue

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks. Higher values run first.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

var priorityNames = [...]string{"LOW", "MEDIUM", "HIGH"}

func (p Priority) String() string {
	if p < Low || p > High {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the three tiers
func (p Priority) Valid() bool {
	return p >= Low && p <= High
}

// ParsePriority accepts the tier name in any case. An empty string is MEDIUM.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return High, nil
	case "MEDIUM", "":
		return Medium, nil
	case "LOW":
		return Low, nil
	}
	return Medium, fmt.Errorf("unknown priority %q", s)
}

// tiers holds one FIFO per priority. Within a tier the head is always the
// oldest task, so only heads compete when picking the next task.
type tiers struct {
	q             [3][]*Task
	agingInterval time.Duration
}

func (t *tiers) push(task *Task) {
	t.q[task.Priority] = append(t.q[task.Priority], task)
}

func (t *tiers) len() int {
	return len(t.q[Low]) + len(t.q[Medium]) + len(t.q[High])
}

func (t *tiers) depth(p Priority) int {
	return len(t.q[p])
}

// effective returns the tier a task competes in after aging: one level per
// full aging interval waited, capped at High.
func (t *tiers) effective(task *Task, now time.Time) Priority {
	if t.agingInterval <= 0 {
		return task.Priority
	}
	boost := int(now.Sub(task.EnqueuedAt) / t.agingInterval)
	p := task.Priority + Priority(boost)
	if p > High {
		p = High
	}
	return p
}

// pop removes the task with the highest effective priority. Ties go to the
// task enqueued first.
func (t *tiers) pop(now time.Time) *Task {
	best := -1
	var bestPrio Priority
	for p := High; p >= Low; p-- {
		if len(t.q[p]) == 0 {
			continue
		}
		head := t.q[p][0]
		eff := t.effective(head, now)
		if best < 0 || eff > bestPrio || (eff == bestPrio && head.seq < t.q[best][0].seq) {
			best = int(p)
			bestPrio = eff
		}
	}
	if best < 0 {
		return nil
	}

	task := t.q[best][0]
	t.q[best][0] = nil
	t.q[best] = t.q[best][1:]
	return task
}

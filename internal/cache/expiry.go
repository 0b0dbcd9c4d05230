package cache

import (
	"container/heap"
	"sync"
	"time"
)

type expiryItem struct {
	id    string
	at    time.Time
	index int
}

type expiryHeap []*expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	item := x.(*expiryItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// ExpiryQueue 按触发时间维护一个最小堆，由单个定时器驱动，到期后在独立 goroutine 中调用 fire。
type ExpiryQueue struct {
	fire func(id string)
	now  func() time.Time

	mu      sync.Mutex
	items   expiryHeap
	index   map[string]*expiryItem
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewExpiryQueue 创建队列，Start 之前的 Schedule 会被保留。
func NewExpiryQueue(fire func(id string)) *ExpiryQueue {
	return &ExpiryQueue{
		fire:  fire,
		now:   time.Now,
		index: make(map[string]*expiryItem),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start 启动定时器 goroutine，重复调用无效。
func (q *ExpiryQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Schedule 安排 id 在 at 触发；已存在的条目只会被推迟，不会提前。
func (q *ExpiryQueue) Schedule(id string, at time.Time) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if item, ok := q.index[id]; ok {
		if at.After(item.at) {
			item.at = at
			heap.Fix(&q.items, item.index)
		}
	} else {
		item := &expiryItem{id: id, at: at}
		heap.Push(&q.items, item)
		q.index[id] = item
	}
	q.mu.Unlock()
	q.signal()
}

// Cancel 移除待触发的条目，返回是否存在。
func (q *ExpiryQueue) Cancel(id string) bool {
	q.mu.Lock()
	item, ok := q.index[id]
	if ok {
		heap.Remove(&q.items, item.index)
		delete(q.index, id)
	}
	q.mu.Unlock()
	if ok {
		q.signal()
	}
	return ok
}

// CancelAll 清空队列并返回被丢弃的数量。
func (q *ExpiryQueue) CancelAll() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.index = make(map[string]*expiryItem)
	q.mu.Unlock()
	q.signal()
	return n
}

// Stop 丢弃所有待触发条目并结束定时器 goroutine。
func (q *ExpiryQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.items = nil
	q.index = make(map[string]*expiryItem)
	q.mu.Unlock()

	close(q.stop)
	if started {
		<-q.done
	}
}

// Len 返回待触发条目数量。
func (q *ExpiryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Deadline 返回 id 当前的触发时间。
func (q *ExpiryQueue) Deadline(id string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.index[id]
	if !ok {
		return time.Time{}, false
	}
	return item.at, true
}

func (q *ExpiryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *ExpiryQueue) run() {
	defer close(q.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := q.popDue()
		for _, id := range due {
			go q.fire(id)
		}
		if wait >= 0 {
			timer.Reset(wait)
		} else {
			timer.Stop()
		}

		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// popDue 弹出所有已到期条目，并返回距离下一个条目的等待时长（队列为空时为 -1）。
func (q *ExpiryQueue) popDue() ([]string, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []string
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		item := heap.Pop(&q.items).(*expiryItem)
		delete(q.index, item.id)
		due = append(due, item.id)
	}
	if len(q.items) == 0 {
		return due, -1
	}
	return due, q.items[0].at.Sub(now)
}

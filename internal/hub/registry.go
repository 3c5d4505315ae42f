package hub

import (
	"sort"
	"sync"

	"bbo-stream-go/infrastructure/monitor"
)

// Registry 线程安全的订阅者集合。
type Registry struct {
	mu      sync.RWMutex
	subs    map[string]Subscriber
	monitor *monitor.Monitor
}

func NewRegistry(mon *monitor.Monitor) *Registry {
	return &Registry{subs: make(map[string]Subscriber), monitor: mon}
}

// Register 加入订阅者，同 ID 覆盖旧值。返回当前数量。
func (r *Registry) Register(s Subscriber) int {
	r.mu.Lock()
	r.subs[s.ID()] = s
	n := len(r.subs)
	r.mu.Unlock()
	r.monitor.SetSubscribers(n)
	return n
}

// Unregister 移除订阅者，不存在时返回 false。
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	n := len(r.subs)
	r.mu.Unlock()
	if ok {
		r.monitor.SetSubscribers(n)
	}
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) Get(id string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// List 返回按 ID 排序的快照，调用方可在锁外遍历。
func (r *Registry) List() []Subscriber {
	r.mu.RLock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

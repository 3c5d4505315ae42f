package store

import (
	"math"
	"sync"

	"github.com/tidwall/btree"

	"bbo-stream-go/market"
)

// indexKey 二级索引键：交易所时间相同的记录按到达序号排序。
type indexKey struct {
	ts  int64
	seq uint64
}

func lessKey(a, b indexKey) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.seq < b.seq
}

// series 单个交易对的环形缓冲，按到达顺序保存，满后从头部淘汰。
// index 按 ExchangeTS 排序，用于时间可能乱序时的范围查询。
type series struct {
	mu      sync.RWMutex
	buf     []market.BBOUpdate
	head    int
	n       int
	max     int
	headSeq uint64
	index   *btree.BTreeG[indexKey]
}

func newSeries(max int) *series {
	return &series{
		max:   max,
		index: btree.NewBTreeGOptions(lessKey, btree.Options{NoLocks: true}),
	}
}

func (s *series) at(seq uint64) market.BBOUpdate {
	return s.buf[(s.head+int(seq-s.headSeq))%len(s.buf)]
}

func (s *series) grow() {
	next := len(s.buf) * 2
	if next < 16 {
		next = 16
	}
	if next > s.max {
		next = s.max
	}
	buf := make([]market.BBOUpdate, next)
	for i := 0; i < s.n; i++ {
		buf[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	s.buf = buf
	s.head = 0
}

// popHead 调用方需持有写锁且 n > 0。
func (s *series) popHead() {
	old := s.buf[s.head]
	s.index.Delete(indexKey{ts: old.ExchangeTS, seq: s.headSeq})
	s.buf[s.head] = market.BBOUpdate{}
	s.head = (s.head + 1) % len(s.buf)
	s.n--
	s.headSeq++
}

// append 返回被淘汰的条数与追加后的长度。
func (s *series) append(u market.BBOUpdate) (evicted, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.n == len(s.buf) && len(s.buf) < s.max {
		s.grow()
	}
	for s.n >= s.max {
		s.popHead()
		evicted++
	}
	seq := s.headSeq + uint64(s.n)
	s.buf[(s.head+s.n)%len(s.buf)] = u
	s.index.Set(indexKey{ts: u.ExchangeTS, seq: seq})
	s.n++
	return evicted, s.n
}

// trimBefore 从头部丢弃 ServerTS < cutoff 的记录。到达顺序即 ServerTS 顺序。
func (s *series) trimBefore(cutoff int64) (removed, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.n > 0 && s.buf[s.head].ServerTS < cutoff {
		s.popHead()
		removed++
	}
	return removed, s.n
}

// rangeCopy 在读锁内复制 [start,end] 内的记录，按 (ExchangeTS, 到达序) 升序。
// limit > 0 时只保留最新的 limit 条。
func (s *series) rangeCopy(start, end int64, limit int) []market.BBOUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > 0 {
		out := make([]market.BBOUpdate, 0, min(limit, s.n))
		s.index.Descend(indexKey{ts: end, seq: math.MaxUint64}, func(k indexKey) bool {
			if k.ts < start {
				return false
			}
			out = append(out, s.at(k.seq))
			return len(out) < limit
		})
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out
	}

	out := make([]market.BBOUpdate, 0)
	s.index.Ascend(indexKey{ts: start}, func(k indexKey) bool {
		if k.ts > end {
			return false
		}
		out = append(out, s.at(k.seq))
		return true
	})
	return out
}

// latencies 复制 [start,end] 内的有效延迟，统计在锁外完成。
func (s *series) latencies(start, end int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0)
	s.index.Ascend(indexKey{ts: start}, func(k indexKey) bool {
		if k.ts > end {
			return false
		}
		if v, ok := s.at(k.seq).Latency(); ok {
			out = append(out, v)
		}
		return true
	})
	return out
}

func (s *series) snapshot() []market.BBOUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.BBOUpdate, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	return out
}

func (s *series) latest() (market.BBOUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.n == 0 {
		return market.BBOUpdate{}, false
	}
	return s.buf[(s.head+s.n-1)%len(s.buf)], true
}

func (s *series) stats() SymbolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SymbolStats{Count: s.n}
	if lo, ok := s.index.Min(); ok {
		st.OldestTimestamp = lo.ts
	}
	if hi, ok := s.index.Max(); ok {
		st.NewestTimestamp = hi.ts
	}
	return st
}

func (s *series) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

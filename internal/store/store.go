package store

import (
	"sort"
	"sync"

	"bbo-stream-go/infrastructure/monitor"
	"bbo-stream-go/market"
)

// DefaultMaxItems 每个交易对默认保留的记录上限。
const DefaultMaxItems = 1_000_000

// SymbolStats 单个交易对的缓存概况，时间为 ExchangeTS 的最小/最大值。
type SymbolStats struct {
	Count           int   `json:"count"`
	OldestTimestamp int64 `json:"oldest_timestamp"`
	NewestTimestamp int64 `json:"newest_timestamp"`
}

// CacheStats 整体缓存概况。
type CacheStats struct {
	Symbols           map[string]SymbolStats `json:"symbols"`
	TotalSymbols      int                    `json:"total_symbols"`
	TotalItems        int                    `json:"total_items"`
	MaxItemsPerSymbol int                    `json:"max_items_per_symbol"`
}

// Store 按交易对分桶的有界时间序列缓存。
// 写入方为 Normalizer 与生命周期管理器，读取方为查询服务与广播。
// 锁只覆盖单次变更或复制，统计计算在锁外进行。
type Store struct {
	maxItems int
	monitor  *monitor.Monitor

	mu     sync.RWMutex
	series map[string]*series
}

func New(maxItems int, mon *monitor.Monitor) *Store {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Store{
		maxItems: maxItems,
		monitor:  mon,
		series:   make(map[string]*series),
	}
}

// MaxItems 每个交易对的容量上限。
func (s *Store) MaxItems() int {
	return s.maxItems
}

func (s *Store) get(symbol string) *series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[symbol]
}

// Append 追加到尾部，超出容量时从头部淘汰。
func (s *Store) Append(u market.BBOUpdate) {
	symbol := u.Symbol

	// 持有 map 读锁完成追加，避免与清理空序列交错导致记录丢失
	s.mu.RLock()
	ser := s.series[symbol]
	var evicted, length int
	if ser != nil {
		evicted, length = ser.append(u)
	}
	s.mu.RUnlock()

	if ser == nil {
		s.mu.Lock()
		ser = s.series[symbol]
		if ser == nil {
			ser = newSeries(s.maxItems)
			s.series[symbol] = ser
		}
		evicted, length = ser.append(u)
		s.mu.Unlock()
	}

	s.monitor.RecordEvictions(symbol, evicted)
	s.monitor.SetCacheItems(symbol, length)
}

// Query 返回 start <= ExchangeTS <= end 的记录，按交易所时间升序（相同时间按到达顺序）。
// limit > 0 时只返回其中最新的 limit 条。未知交易对或无交集返回空切片。
func (s *Store) Query(symbol string, start, end int64, limit int) []market.BBOUpdate {
	ser := s.get(symbol)
	if ser == nil || start > end {
		return []market.BBOUpdate{}
	}
	return ser.rangeCopy(start, end, limit)
}

// LatencyStats 统计与 Query 相同子集中的有效延迟。
func (s *Store) LatencyStats(symbol string, start, end int64) LatencyStats {
	ser := s.get(symbol)
	if ser == nil || start > end {
		return LatencyStats{}
	}
	return ComputeLatencyStats(ser.latencies(start, end))
}

// Symbols 返回已知交易对，按字母排序。
func (s *Store) Symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.series))
	for sym := range s.series {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats 返回每个交易对的条数及最早/最新时间。
func (s *Store) Stats() CacheStats {
	s.mu.RLock()
	all := make(map[string]*series, len(s.series))
	for sym, ser := range s.series {
		all[sym] = ser
	}
	s.mu.RUnlock()

	st := CacheStats{
		Symbols:           make(map[string]SymbolStats, len(all)),
		TotalSymbols:      len(all),
		MaxItemsPerSymbol: s.maxItems,
	}
	for sym, ser := range all {
		ss := ser.stats()
		st.Symbols[sym] = ss
		st.TotalItems += ss.Count
	}
	return st
}

// Latest 返回最近到达的一条记录。
func (s *Store) Latest(symbol string) (market.BBOUpdate, bool) {
	ser := s.get(symbol)
	if ser == nil {
		return market.BBOUpdate{}, false
	}
	return ser.latest()
}

// Len 返回交易对当前条数。
func (s *Store) Len(symbol string) int {
	ser := s.get(symbol)
	if ser == nil {
		return 0
	}
	return ser.len()
}

// Snapshot 按到达顺序复制整个序列，用于落盘。
func (s *Store) Snapshot(symbol string) []market.BBOUpdate {
	ser := s.get(symbol)
	if ser == nil {
		return []market.BBOUpdate{}
	}
	return ser.snapshot()
}

// Restore 按给定顺序装载记录，容量规则与 Append 相同。
func (s *Store) Restore(symbol string, updates []market.BBOUpdate) {
	for _, u := range updates {
		u.Symbol = symbol
		s.Append(u)
	}
}

// TrimBefore 删除 ServerTS 早于 cutoff 的记录，清空的交易对一并移除，返回删除条数。
func (s *Store) TrimBefore(cutoff int64) int {
	s.mu.RLock()
	all := make(map[string]*series, len(s.series))
	for sym, ser := range s.series {
		all[sym] = ser
	}
	s.mu.RUnlock()

	total := 0
	var emptied []string
	for sym, ser := range all {
		removed, length := ser.trimBefore(cutoff)
		total += removed
		s.monitor.SetCacheItems(sym, length)
		if length == 0 {
			emptied = append(emptied, sym)
		}
	}

	if len(emptied) > 0 {
		s.mu.Lock()
		for _, sym := range emptied {
			// 期间可能有新写入
			if ser := s.series[sym]; ser != nil && ser.len() == 0 {
				delete(s.series, sym)
			}
		}
		s.mu.Unlock()
	}
	s.monitor.RecordTrimmed(total)
	return total
}

package query

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bbo-stream-go/internal/store"
	"bbo-stream-go/market"
)

// DefaultWindow 未给 start_time 时回看的时长。
const DefaultWindow = time.Hour

// Cache 查询服务依赖的只读缓存接口。
type Cache interface {
	Symbols() []string
	Query(symbol string, start, end int64, limit int) []market.BBOUpdate
	LatencyStats(symbol string, start, end int64) store.LatencyStats
	Stats() store.CacheStats
}

// ValidationError 调用方参数错误，不是系统故障。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Service 缓存之上的只读查询门面。
type Service struct {
	cache Cache
	now   func() time.Time
}

func NewService(cache Cache) *Service {
	return &Service{cache: cache, now: time.Now}
}

type UpdatesRequest struct {
	Symbol string
	Start  *int64
	End    *int64
	Limit  int
}

type UpdatesResult struct {
	Symbol    string             `json:"symbol"`
	StartTime int64              `json:"start_time"`
	EndTime   *int64             `json:"end_time"`
	Count     int                `json:"count"`
	Updates   []market.BBOUpdate `json:"updates"`
}

type LatencyRequest struct {
	Symbol string
	Start  *int64
	End    *int64
}

type LatencyResult struct {
	Symbol    string `json:"symbol"`
	StartTime int64  `json:"start_time"`
	EndTime   *int64 `json:"end_time"`
	store.LatencyStats
}

type SymbolsResult struct {
	Symbols []string `json:"symbols"`
	Count   int      `json:"count"`
}

func (s *Service) Symbols() SymbolsResult {
	syms := s.cache.Symbols()
	return SymbolsResult{Symbols: syms, Count: len(syms)}
}

func (s *Service) Stats() store.CacheStats {
	return s.cache.Stats()
}

func (s *Service) Updates(req UpdatesRequest) (UpdatesResult, error) {
	symbol, start, end, err := s.window(req.Symbol, req.Start, req.End)
	if err != nil {
		return UpdatesResult{}, err
	}
	if req.Limit < 0 {
		return UpdatesResult{}, &ValidationError{Field: "limit", Message: "must not be negative"}
	}
	updates := s.cache.Query(symbol, start, end, req.Limit)
	return UpdatesResult{
		Symbol:    symbol,
		StartTime: start,
		EndTime:   req.End,
		Count:     len(updates),
		Updates:   updates,
	}, nil
}

func (s *Service) Latency(req LatencyRequest) (LatencyResult, error) {
	symbol, start, end, err := s.window(req.Symbol, req.Start, req.End)
	if err != nil {
		return LatencyResult{}, err
	}
	return LatencyResult{
		Symbol:       symbol,
		StartTime:    start,
		EndTime:      req.End,
		LatencyStats: s.cache.LatencyStats(symbol, start, end),
	}, nil
}

// window 规范化交易对与时间范围。缺省 start 为一小时前，缺省 end 不设上限。
func (s *Service) window(symbol string, start, end *int64) (string, int64, int64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", 0, 0, &ValidationError{Field: "symbol", Message: "is required"}
	}
	from := s.now().Add(-DefaultWindow).UnixMilli()
	if start != nil {
		from = *start
	}
	to := int64(math.MaxInt64)
	if end != nil {
		to = *end
	}
	if from > to {
		return "", 0, 0, &ValidationError{Field: "start_time", Message: "must not be after end_time"}
	}
	return symbol, from, to, nil
}

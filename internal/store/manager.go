package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"bbo-stream-go/infrastructure/alert"
	"bbo-stream-go/infrastructure/monitor"
)

// EventSink 结构化事件回调（例如写入 logschema 校验过的日志）。
type EventSink func(event string, fields map[string]interface{})

// Alerter 告警出口，由 alert.Manager 实现。
type Alerter interface {
	SendError(message string, fields map[string]interface{}) error
	SendInfo(message string, fields map[string]interface{}) error
	Resolve(level alert.Level, message string)
}

// ManagerConfig 缓存生命周期参数。
type ManagerConfig struct {
	Persist         bool
	Dir             string
	CleanupInterval time.Duration
	Retention       time.Duration
}

// Manager 负责启动时从磁盘恢复、定时清理过期数据并落盘、退出前最后一次落盘。
// 磁盘错误只记录和告警，内存中的缓存始终是权威数据。
type Manager struct {
	store     *Store
	persister *FilePersister
	persist   bool
	logger    *zap.Logger
	monitor   *monitor.Monitor
	alerts    Alerter
	sink      EventSink
	now       func() time.Time

	mu          sync.Mutex
	retention   time.Duration
	interval    time.Duration
	lastErr     error
	failing     map[string]bool
	intervalCh  chan time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
	maintenance sync.Mutex
}

func NewManager(st *Store, cfg ManagerConfig, logger *zap.Logger, mon *monitor.Monitor, alerts Alerter) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 6 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Manager{
		store:      st,
		persister:  NewFilePersister(cfg.Dir),
		persist:    cfg.Persist,
		logger:     logger.Named("cache"),
		monitor:    mon,
		alerts:     alerts,
		now:        time.Now,
		retention:  cfg.Retention,
		interval:   cfg.CleanupInterval,
		intervalCh: make(chan time.Duration, 1),
	}
}

// SetEventSink 需在 Start 前调用。
func (m *Manager) SetEventSink(fn EventSink) {
	m.sink = fn
}

func (m *Manager) emit(event string, fields map[string]interface{}) {
	if m.sink != nil {
		m.sink(event, fields)
	}
}

// SetRetention 热更新保留时长。
func (m *Manager) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// SetCleanupInterval 热更新清理周期，下一次 tick 生效。
func (m *Manager) SetCleanupInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	select {
	case m.intervalCh <- d:
	default:
		// 丢弃旧值，保留最新
		select {
		case <-m.intervalCh:
		default:
		}
		m.intervalCh <- d
	}
}

func (m *Manager) Retention() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retention
}

func (m *Manager) cutoff() int64 {
	return m.now().Add(-m.Retention()).UnixMilli()
}

// Start 恢复磁盘数据并启动定时任务。缓存目录无法创建时返回错误（启动失败）。
func (m *Manager) Start(ctx context.Context) error {
	if m.persist {
		if err := m.persister.EnsureDir(); err != nil {
			return err
		}
		m.load()
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	interval := m.interval
	m.mu.Unlock()

	go m.loop(runCtx, interval)
	return nil
}

func (m *Manager) load() {
	symbols, err := m.persister.Symbols()
	if err != nil {
		m.logger.Warn("list persisted symbols failed", zap.Error(err))
		return
	}
	cutoff := m.cutoff()
	for _, sym := range symbols {
		updates, skipped, err := m.persister.Load(sym)
		if err != nil {
			m.logger.Warn("load persisted series failed", zap.String("symbol", sym), zap.Error(err))
		}
		kept := updates[:0]
		for _, u := range updates {
			if u.ServerTS >= cutoff {
				kept = append(kept, u)
			}
		}
		m.store.Restore(sym, kept)
		// 文件条数可能超过 maxItems，以实际留存为准
		loaded := m.store.Len(sym)
		m.emit("cache_load", map[string]interface{}{
			"symbol":    sym,
			"loaded":    loaded,
			"discarded": len(updates) - loaded + skipped,
		})
	}
}

func (m *Manager) loop(ctx context.Context, interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.intervalCh:
			ticker.Reset(d)
		case <-ticker.C:
			_ = m.RunMaintenance()
		}
	}
}

// RunMaintenance 清理过期记录，开启持久化时随后全量落盘。
func (m *Manager) RunMaintenance() error {
	m.maintenance.Lock()
	defer m.maintenance.Unlock()

	cutoff := m.cutoff()
	removed := m.store.TrimBefore(cutoff)
	m.emit("cache_trim", map[string]interface{}{"removed": removed, "cutoff": cutoff})
	if !m.persist {
		return nil
	}
	return m.persistAll()
}

// PersistAll 立即全量落盘。
func (m *Manager) PersistAll() error {
	m.maintenance.Lock()
	defer m.maintenance.Unlock()
	return m.persistAll()
}

func (m *Manager) persistAll() error {
	start := m.now()
	var errs error
	items := 0
	symbols := m.store.Symbols()
	for _, sym := range symbols {
		snap := m.store.Snapshot(sym)
		if err := m.persister.Save(sym, snap); err != nil {
			errs = multierr.Append(errs, err)
			m.logger.Error("persist series failed", zap.String("symbol", sym), zap.Error(err))
			m.alertFailure(sym, err)
			continue
		}
		m.alertRecovered(sym)
		items += len(snap)
	}
	elapsed := m.now().Sub(start)
	m.monitor.RecordPersist(elapsed.Seconds(), errs)

	m.mu.Lock()
	m.lastErr = errs
	m.mu.Unlock()

	m.emit("cache_persist", map[string]interface{}{
		"symbols":    len(symbols),
		"items":      items,
		"durationMs": elapsed.Milliseconds(),
		"failed":     len(multierr.Errors(errs)),
	})
	return errs
}

func persistFailedMessage(symbol string) string {
	return fmt.Sprintf("cache persist failed: %s", symbol)
}

func (m *Manager) alertFailure(symbol string, err error) {
	m.mu.Lock()
	if m.failing == nil {
		m.failing = make(map[string]bool)
	}
	m.failing[symbol] = true
	m.mu.Unlock()

	if m.alerts == nil {
		return
	}
	_ = m.alerts.SendError(persistFailedMessage(symbol), map[string]interface{}{
		"symbol": symbol,
		"error":  err.Error(),
	})
}

// alertRecovered 只在该交易对此前失败过时通知一次。
func (m *Manager) alertRecovered(symbol string) {
	m.mu.Lock()
	was := m.failing[symbol]
	delete(m.failing, symbol)
	m.mu.Unlock()

	if !was || m.alerts == nil {
		return
	}
	m.alerts.Resolve(alert.LevelError, persistFailedMessage(symbol))
	_ = m.alerts.SendInfo(fmt.Sprintf("cache persist recovered: %s", symbol), map[string]interface{}{
		"symbol": symbol,
	})
}

// Stop 停止定时任务并做最后一次落盘。
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if !m.persist {
		return nil
	}
	if err := m.PersistAll(); err != nil {
		return fmt.Errorf("final persist: %w", err)
	}
	return nil
}

// Health 最近一次落盘失败时返回错误。
func (m *Manager) Health() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return fmt.Errorf("last persist failed: %w", m.lastErr)
	}
	return nil
}

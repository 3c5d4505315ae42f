package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "bbo-stream-go/config"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器连续写入触发多次
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: time.Second,
	}
}

// Loader 读取并校验配置文件。
type Loader func(path string) (appconfig.AppConfig, error)

// Applier 应用新配置中可热更新的部分。
type Applier func(cfg appconfig.AppConfig) error

// ErrCooldown 距上次重载太近，本次忽略。
var ErrCooldown = errors.New("reload skipped: cooldown")

type namedApplier struct {
	name string
	fn   Applier
}

// HotReloader 配置热更新器。
// 监听配置文件所在目录，兼容编辑器先写临时文件再 rename 的保存方式。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	loader     Loader
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	appliers   []namedApplier
	lastReload time.Time
	lastErr    error
	stopChan   chan struct{}
	doneChan   chan struct{}
	started    bool
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, loader Loader, logger *zap.Logger) (*HotReloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = appconfig.LoadWithEnvOverrides
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = filepath.Clean(configPath)
	}
	return &HotReloader{
		config:     cfg,
		configPath: abs,
		watcher:    watcher,
		loader:     loader,
		logger:     logger.Named("hot_reload"),
		now:        time.Now,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// OnReload 注册参数应用器，按注册顺序执行。
func (h *HotReloader) OnReload(name string, fn Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers = append(h.appliers, namedApplier{name: name, fn: fn})
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		return nil
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()

	if started {
		select {
		case <-h.stopChan:
		default:
			close(h.stopChan)
		}
		<-h.doneChan
	}
	return h.watcher.Close()
}

// Health 最近一次重载失败时返回错误。旧配置仍在生效，但文件与运行参数已不一致。
func (h *HotReloader) Health() error {
	err := h.LastError()
	if err == nil {
		return nil
	}
	last := "never"
	if t := h.GetLastReloadTime(); !t.IsZero() {
		last = t.UTC().Format(time.RFC3339)
	}
	return fmt.Errorf("config reload failed (last good reload: %s): %w", last, err)
}

// LastError 最近一次重载的错误。
func (h *HotReloader) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReload
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if err := h.Reload(); err != nil && !errors.Is(err, ErrCooldown) {
					h.logger.Warn("config reload failed, keeping previous values", zap.Error(err))
				}
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Reload 立即重新加载配置并依次应用；加载或校验失败时不应用任何部分。
func (h *HotReloader) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if !h.lastReload.IsZero() && now.Sub(h.lastReload) < h.config.CooldownTime {
		return ErrCooldown
	}

	cfg, err := h.loader(h.configPath)
	if err != nil {
		h.lastErr = err
		return fmt.Errorf("load %s: %w", h.configPath, err)
	}
	for _, a := range h.appliers {
		if err := a.fn(cfg); err != nil {
			h.lastErr = fmt.Errorf("apply %s: %w", a.name, err)
			return h.lastErr
		}
	}
	h.lastErr = nil
	h.lastReload = now
	return nil
}

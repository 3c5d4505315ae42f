package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bbo-stream-go/market"
)

const fileExt = ".ndjson"

// ErrBadSymbol 交易对名不能安全地用作文件名。
var ErrBadSymbol = errors.New("symbol not usable as file name")

// FilePersister 每个交易对一个 NDJSON 文件，按到达顺序一行一条。
type FilePersister struct {
	dir string
}

func NewFilePersister(dir string) *FilePersister {
	return &FilePersister{dir: dir}
}

func (p *FilePersister) Dir() string { return p.dir }

// EnsureDir 创建缓存目录。
func (p *FilePersister) EnsureDir() error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", p.dir, err)
	}
	return nil
}

// Path 返回交易对对应的文件路径。
func (p *FilePersister) Path(symbol string) (string, error) {
	if symbol == "" || strings.ContainsAny(symbol, `/\.`) || strings.ContainsRune(symbol, os.PathSeparator) {
		return "", fmt.Errorf("%w: %q", ErrBadSymbol, symbol)
	}
	return filepath.Join(p.dir, symbol+fileExt), nil
}

// Save 先写临时文件并 fsync，再 rename 覆盖，保证文件要么是旧版本要么是完整新版本。
func (p *FilePersister) Save(symbol string, updates []market.BBOUpdate) (err error) {
	path, err := p.Path(symbol)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriterSize(f, 64*1024)
	enc := json.NewEncoder(w)
	for i := range updates {
		if err = enc.Encode(&updates[i]); err != nil {
			return fmt.Errorf("encode %s: %w", symbol, err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Load 读取单个交易对文件，无法解析的行跳过并计数。文件不存在时返回空。
func (p *FilePersister) Load(symbol string) (updates []market.BBOUpdate, skipped int, err error) {
	path, err := p.Path(symbol)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []market.BBOUpdate{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	updates = make([]market.BBOUpdate, 0)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var u market.BBOUpdate
		if json.Unmarshal(line, &u) != nil || u.Symbol == "" {
			skipped++
			continue
		}
		updates = append(updates, u)
	}
	if err := sc.Err(); err != nil {
		return updates, skipped, fmt.Errorf("scan %s: %w", path, err)
	}
	return updates, skipped, nil
}

// Symbols 列出目录下已有的交易对文件。
func (p *FilePersister) Symbols() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache dir %s: %w", p.dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(out)
	return out, nil
}

package calendar

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tradegate/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Window 是一个禁止交易的时间窗口。
type Window struct {
	Start  time.Time `yaml:"start"`
	End    time.Time `yaml:"end"`
	Reason string    `yaml:"reason"`
}

func (w Window) contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

type blackoutFile struct {
	Blackouts []blackoutEntry `yaml:"blackouts"`
}

type blackoutEntry struct {
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
	Reason string `yaml:"reason"`
}

// BlackoutRegistry 从 YAML 文件加载禁止交易窗口，并在文件变化时热加载。
type BlackoutRegistry struct {
	path string
	loc  *time.Location
	v    *viper.Viper

	mu       sync.RWMutex
	windows  []Window
	version  int64
	loadedAt time.Time
}

// NewBlackoutRegistry 读取文件并开始监听；文件不存在时返回错误。
func NewBlackoutRegistry(path string, loc *time.Location) (*BlackoutRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("blackout registry requires path")
	}
	if loc == nil {
		loc = time.UTC
	}
	r := &BlackoutRegistry{path: path, loc: loc}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read blackout file failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		if err := r.reload(); err != nil {
			logger.Errorf("blackout reload failed: %v", err)
		}
	})
	v.WatchConfig()
	r.v = v
	return r, nil
}

// Active 返回覆盖 now 的第一个窗口。
func (r *BlackoutRegistry) Active(now time.Time) (Window, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.windows {
		if w.contains(now) {
			return w, true
		}
	}
	return Window{}, false
}

// Windows 返回当前窗口的拷贝。
func (r *BlackoutRegistry) Windows() []Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Window(nil), r.windows...)
}

func (r *BlackoutRegistry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *BlackoutRegistry) reload() error {
	windows, err := readBlackoutFile(r.path, r.loc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.windows = windows
	r.version++
	r.loadedAt = time.Now()
	r.mu.Unlock()
	logger.Infof("blackout registry loaded %d windows from %s", len(windows), filepath.Base(r.path))
	return nil
}

func readBlackoutFile(path string, loc *time.Location) ([]Window, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blackout file failed: %w", err)
	}
	var file blackoutFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse blackout file failed: %w", err)
	}
	out := make([]Window, 0, len(file.Blackouts))
	for i, entry := range file.Blackouts {
		start, err := parseWindowTime(entry.Start, loc)
		if err != nil {
			return nil, fmt.Errorf("blackouts[%d].start: %w", i, err)
		}
		end, err := parseWindowTime(entry.End, loc)
		if err != nil {
			return nil, fmt.Errorf("blackouts[%d].end: %w", i, err)
		}
		if !end.After(start) {
			return nil, fmt.Errorf("blackouts[%d] end must be after start", i)
		}
		out = append(out, Window{Start: start, End: end, Reason: strings.TrimSpace(entry.Reason)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// parseWindowTime 接受 RFC3339 或交易所时区下的 "2006-01-02 15:04"。
func parseWindowTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t, nil
}

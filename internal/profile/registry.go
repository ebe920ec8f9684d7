package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"sigtra/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// 中文说明：
// 策略 profile：提示词补充、置信度阈值覆盖、模型输出的 JSON Schema。
// 文件可热更，重载后通过 listener 广播新快照，进程不用重启。

// Profile 描述单个策略画像。
type Profile struct {
	Name                string         `mapstructure:"name" yaml:"name"`
	Description         string         `mapstructure:"description" yaml:"description"`
	PromptHint          string         `mapstructure:"prompt_hint" yaml:"prompt_hint"`
	ConfidenceThreshold int            `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	SignalSchema        map[string]any `mapstructure:"signal_schema" yaml:"signal_schema"`

	schemaCompiled *jsonschema.Schema
}

// FileConfig 映射 profile 文件根节点。
type FileConfig struct {
	Profile Profile `mapstructure:"profile" yaml:"profile"`
}

// Snapshot 公开的 profile 快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Profile  Profile
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理策略 profile 并监听文件更新。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取 profile 文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("profile registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profile config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("profile reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot 返回当前 profile 快照。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Hint 返回附加到提示词的策略说明。
func (r *Registry) Hint() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Snapshot().Profile.PromptHint)
}

// Threshold 返回置信度阈值；profile 未设置时回退到 fallback。
func (r *Registry) Threshold(fallback int) int {
	if r == nil {
		return fallback
	}
	if th := r.Snapshot().Profile.ConfidenceThreshold; th > 0 {
		return th
	}
	return fallback
}

// CheckSignal 用 profile 自带的 schema 校验模型输出的 JSON 对象。
// 未配置 schema 时直接放行。
func (r *Registry) CheckSignal(raw string) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	compiled := r.snapshot.Profile.schemaCompiled
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return fmt.Errorf("signal json decode failed: %w", err)
	}
	return compiled.Validate(sanitizeValues(decoded))
}

func (r *Registry) reload() error {
	cfg, err := readProfileFile(r.path)
	if err != nil {
		return err
	}
	prof := normalizeProfile(cfg.Profile)
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profile:  prof,
	}
	r.mu.Unlock()
	logger.Infof("Profile registry loaded %q from %s", prof.Name, filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := r.snapshot
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("profile listener")
			cb(snap)
		}(fn)
	}
}

func normalizeProfile(p Profile) Profile {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = "default"
	}
	p.Description = strings.TrimSpace(p.Description)
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 100 {
		logger.Warnf("profile confidence_threshold=%d 越界，忽略", p.ConfidenceThreshold)
		p.ConfidenceThreshold = 0
	}
	if len(p.SignalSchema) > 0 {
		if compiled, err := compileSchema(p.SignalSchema); err != nil {
			logger.Errorf("profile schema compile failed name=%s: %v", p.Name, err)
		} else {
			p.schemaCompiled = compiled
		}
	}
	return p
}

func safeRecover(tag string) {
	if rec := recover(); rec != nil {
		logger.Errorf("%s panic: %v", tag, rec)
	}
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile_schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("profile_schema.json")
}

// readProfileFile 直接读文件做严格解码，未知字段视为配置错误。
// 不走 viper 的 AllSettings：它会把 schema 里的驼峰键压成小写。
func readProfileFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read profile config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse profile config failed: %w", err)
	}
	return cfg, nil
}

// sanitizeValues 递归把字符串形式的数字转成 float64，
// 兼容模型把 65 输出成 "65" 的情况，避免 schema 的 number 约束误杀。
func sanitizeValues(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeValues(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeValues(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}

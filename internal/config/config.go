package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取主配置及其 include 链，合并后按 toml 标签反序列化。
// 后读的文件覆盖先读的，主文件排在最后因此优先级最高。
func Load(path string) (*Config, error) {
	files, err := expandIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		layer := viper.New()
		layer.SetConfigFile(file)
		if err := layer.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge config file %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	setKeys := make(keySet)
	markSetKeys(v.AllSettings(), setKeys)
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandIncludes 深度优先展开 include 链，被包含文件排在包含者前面。
// 同一文件只读一次，循环包含报错。
func expandIncludes(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := includeWalker{seen: map[string]bool{}, stack: map[string]bool{}}
	files, err := w.walk(abs)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		files = []string{abs}
	}
	return files, nil
}

type includeWalker struct {
	seen  map[string]bool
	stack map[string]bool
}

func (w *includeWalker) walk(path string) ([]string, error) {
	path = filepath.Clean(path)
	if w.stack[path] {
		return nil, fmt.Errorf("include cycle detected at %s", path)
	}
	if w.seen[path] {
		return nil, nil
	}
	w.stack[path] = true
	defer delete(w.stack, path)

	includes, err := readIncludeList(path)
	if err != nil {
		return nil, fmt.Errorf("parse include of %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	var ordered []string
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		sub, err := w.walk(inc)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sub...)
	}
	w.seen[path] = true
	return append(ordered, path), nil
}

// readIncludeList 读取单个文件顶层的 include 数组，忽略空项。
func readIncludeList(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	var items []string
	switch val := raw.(type) {
	case []string:
		items = val
	case []any:
		items = make([]string, 0, len(val))
		for _, it := range val {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string list")
	}
	cleaned := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned, nil
}

// markSetKeys 记录合并结果里实际出现的配置路径，
// applyDefaults 据此区分"显式写成零值"与"压根没写"。
func markSetKeys(settings map[string]any, dest keySet) {
	if dest == nil {
		return
	}
	for k, v := range settings {
		if key := joinKey("", k); key != "" {
			walkKeys(key, v, dest)
		}
	}
}

func walkKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, v := range val {
			if key := joinKey(prefix, k); key != "" {
				walkKeys(key, v, dest)
			}
		}
	case map[any]any:
		for k, v := range val {
			s, ok := k.(string)
			if !ok {
				continue
			}
			if key := joinKey(prefix, s); key != "" {
				walkKeys(key, v, dest)
			}
		}
	case []any:
		dest.mark(prefix)
		for _, item := range val {
			walkKeys(prefix, item, dest)
		}
	default:
		dest.mark(prefix)
	}
}

func joinKey(prefix, key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return ""
	}
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

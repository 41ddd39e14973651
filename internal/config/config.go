package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 可覆盖默认配置文件路径。
const EnvConfigPath = "TRADEGATE_CONFIG"

// EnvAPIKey 非空时覆盖 app.api_key，避免把密钥写进配置文件。
const EnvAPIKey = "TRADEGATE_API_KEY"

const DefaultConfigPath = "configs/config.yaml"

// ResolvePath 依次取显式路径、环境变量、默认路径。
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load 读取主配置及其 include 列表（被 include 的文件先合并，主文件最后覆盖）。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var files []string
	if err := expandIncludes(abs, map[string]bool{}, map[string]bool{}, &files); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		layer := viper.New()
		layer.SetConfigFile(file)
		if err := layer.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	// 只有文件里没写的键才套默认值，显式写 0/false 的保持原样
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		cfg.App.APIKey = key
	}
	cfg.resolveRelativePaths(filepath.Dir(abs))
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveRelativePaths 让 blackout 文件路径相对于主配置文件所在目录。
func (c *Config) resolveRelativePaths(dir string) {
	p := strings.TrimSpace(c.Calendar.BlackoutFile)
	if p == "" || filepath.IsAbs(p) {
		return
	}
	c.Calendar.BlackoutFile = filepath.Join(dir, p)
}

// expandIncludes 深度优先展开 include，按合并顺序追加到 out；同一文件只合并一次。
func expandIncludes(path string, visiting, done map[string]bool, out *[]string) error {
	path = filepath.Clean(path)
	if visiting[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if done[path] {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	visiting[path] = true
	for _, inc := range v.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := expandIncludes(inc, visiting, done, out); err != nil {
			return err
		}
	}
	delete(visiting, path)
	done[path] = true
	*out = append(*out, path)
	return nil
}

package server

import (
	"fmt"
	"os"
	"time"

	"github.com/turnon/deferred/invoker"
	"github.com/turnon/deferred/scheduler"
	"gopkg.in/yaml.v3"
)

// config 服务器配置
type config struct {
	Port     int            `yaml:"port"`
	Workers  int            `yaml:"workers"`
	Queue    int            `yaml:"queue"`
	Log      logConfig      `yaml:"log"`
	Tasklist map[string]any `yaml:"tasklist"`
	Invoker  invokerConfig  `yaml:"invoker"`
	Output   map[string]any `yaml:"output"`
	Recovery string         `yaml:"recovery"`
	TfL      tflConfig      `yaml:"tfl"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type invokerConfig struct {
	Timeout    string  `yaml:"timeout"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	MaxBody    int64   `yaml:"max_body"`
}

// tflConfig 开启后可以用lines代替target提交任务
type tflConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// loadConfig 读取配置文件，anchorsPath不为空时先合并其中的yaml锚点
func loadConfig(cfgPath, anchorsPath string) (*config, error) {
	body, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, err
	}

	if anchorsPath != "" {
		anchors, err := os.ReadFile(anchorsPath)
		if err != nil {
			return nil, err
		}
		if body, err = mergeAnchors(anchors, body); err != nil {
			return nil, fmt.Errorf("merge anchors: %w", err)
		}
	}

	return parseConfig(body)
}

func parseConfig(body []byte) (*config, error) {
	var cfg config
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if _, err := cfg.invoker(); err != nil {
		return nil, err
	}
	if _, err := scheduler.ParseRecovery(cfg.Recovery); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *config) applyDefaults() {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Tasklist == nil {
		cfg.Tasklist = map[string]any{"type": "memory"}
	}
	if cfg.Output == nil {
		cfg.Output = map[string]any{"type": "none"}
	}
}

func (cfg *config) invoker() (invoker.Config, error) {
	ic := invoker.Config{RatePerSec: cfg.Invoker.RatePerSec, Burst: cfg.Invoker.Burst, MaxBody: cfg.Invoker.MaxBody}
	if cfg.Invoker.Timeout != "" {
		d, err := time.ParseDuration(cfg.Invoker.Timeout)
		if err != nil {
			return ic, fmt.Errorf("invoker.timeout: %w", err)
		}
		ic.Timeout = d
	}
	return ic, nil
}

// mergeAnchors 把anchors中定义的锚点展开到body中，结果不含anchors自身的键
func mergeAnchors(anchors, body []byte) ([]byte, error) {
	if len(anchors) == 0 {
		return body, nil
	}

	var merged map[string]any
	if err := yaml.Unmarshal(append(append(append([]byte(nil), anchors...), '\n'), body...), &merged); err != nil {
		return nil, err
	}
	var anchorsMap map[string]any
	if err := yaml.Unmarshal(anchors, &anchorsMap); err != nil {
		return nil, err
	}
	for k := range anchorsMap {
		delete(merged, k)
	}

	return yaml.Marshal(merged)
}

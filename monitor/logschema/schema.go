package logschema

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
	Level    zapcore.Level
}

var schemas = map[string]Schema{
	"ws_state": {
		Event:    "ws_state",
		Required: []string{"symbol", "from", "to"},
		Level:    zapcore.InfoLevel,
	},
	"ingest_fatal": {
		Event:    "ingest_fatal",
		Required: []string{"symbol", "failures"},
		Level:    zapcore.ErrorLevel,
	},
	"cache_load": {
		Event:    "cache_load",
		Required: []string{"symbol", "loaded", "discarded"},
		Level:    zapcore.InfoLevel,
	},
	"cache_persist": {
		Event:    "cache_persist",
		Required: []string{"symbols", "items", "durationMs"},
		Level:    zapcore.InfoLevel,
	},
	"cache_trim": {
		Event:    "cache_trim",
		Required: []string{"removed", "cutoff"},
		Level:    zapcore.InfoLevel,
	},
	"subscriber_connect": {
		Event:    "subscriber_connect",
		Required: []string{"clientId", "clients"},
		Level:    zapcore.InfoLevel,
	},
	"subscriber_disconnect": {
		Event:    "subscriber_disconnect",
		Required: []string{"clientId", "clients"},
		Level:    zapcore.InfoLevel,
	},
	"config_reload": {
		Event:    "config_reload",
		Required: []string{"throttleIntervalMs", "retentionHours"},
		Level:    zapcore.WarnLevel,
	},
	"alert_channels": {
		Event:    "alert_channels",
		Required: []string{"channels"},
		Level:    zapcore.WarnLevel,
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// LevelOf 返回事件的日志级别，未登记的事件按 info 处理。
func LevelOf(event string) zapcore.Level {
	if s, ok := schemas[event]; ok {
		return s.Level
	}
	return zapcore.InfoLevel
}

// Validate 检查日志字段是否包含 schema 中要求的 key。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}

package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	logx "agentcore/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// EncodeContext marshals every value on its own and returns the keys that
// could not be encoded.
func EncodeContext(values map[string]any) (map[string]json.RawMessage, []string) {
	out := make(map[string]json.RawMessage, len(values))
	var skipped []string
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			skipped = append(skipped, k)
			continue
		}
		out[k] = b
	}
	return out, skipped
}

func decodeContext(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for k, b := range raw {
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

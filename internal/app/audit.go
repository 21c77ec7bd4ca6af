package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentcore/internal/command"
	"agentcore/internal/eventbus"
	"agentcore/internal/pipeline"
	"agentcore/internal/storage"
	"agentcore/internal/task/engine"
	logx "agentcore/pkg/logx"
)

const auditWriteTimeout = time.Second

// startAudit records finished tasks and modules. The loop runs until
// stopAudit closes the subscription, so events published while the engine
// drains are still written.
func (a *App) startAudit() {
	events, unsub := a.bus.Subscribe(512, "task.", "module.")
	a.stopAudit = unsub
	log := a.log.With(logx.String("comp", "audit"))
	a.sup.Go0("storage.audit", func(context.Context) {
		for e := range events {
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
			if err := a.store.AppendAudit(wctx, entry); err != nil {
				log.Warn("audit write failed", logx.String("name", entry.Name), logx.Err(err))
			}
			cancel()
		}
	})
}

// auditEntry maps terminal lifecycle events; other events are ignored.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	switch d := e.Data.(type) {
	case engine.TaskEvent:
		if e.Type != engine.EventCompleted && e.Type != engine.EventFailed {
			return storage.AuditEntry{}, false
		}
		meta, _ := json.Marshal(map[string]any{
			"priority":       d.Priority,
			"queue_delay_ms": d.QueueDelay.Milliseconds(),
		})
		return storage.AuditEntry{
			At:     e.Time,
			Kind:   storage.KindTask,
			Name:   d.Name,
			RefID:  d.ID,
			Status: d.Status,
			Error:  d.Error,
			TookMS: d.Duration.Milliseconds(),
			Meta:   string(meta),
		}, true
	case pipeline.ModuleEvent:
		status := "completed"
		if e.Type == pipeline.EventModuleFailed {
			status = "failed"
		}
		return storage.AuditEntry{
			At:     e.Time,
			Kind:   storage.KindModule,
			Name:   d.Name,
			Status: status,
			Error:  d.Error,
			TookMS: d.Duration.Milliseconds(),
		}, true
	}
	return storage.AuditEntry{}, false
}

func (a *App) registerExtensions() error {
	if a.store == nil {
		return nil
	}
	return a.disp.Register("audit", command.Extension{
		Description: "recent audit entries",
		Usage:       "audit [--limit N]",
		Handler:     a.auditCommand,
	})
}

func (a *App) auditCommand(ctx context.Context, c command.Command) (string, error) {
	limit := 20
	if v := c.Flag("limit", ""); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			return "", fmt.Errorf("%w: --limit must be a positive integer", command.ErrUsage)
		}
	}
	entries, err := a.store.ListAudit(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "no audit entries", nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-6s %-24s %-9s %dms", e.At.Format("15:04:05"), e.Kind, e.Name, e.Status, e.TookMS)
		if e.Error != "" {
			line += "  " + e.Error
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

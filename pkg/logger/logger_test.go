package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

func newJSONLogger(buf *bytes.Buffer) *Logger {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Component = "test-component"
	cfg.Version = "v1"
	cfg.Output = buf
	return New(cfg)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.NewDecoder(buf).Decode(&entry))
	return entry
}

func TestErrorCtx_EnrichesAndOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithTaskID(ctx, "task-9")
	ctx = WithNodeID(ctx, 17)
	ctx = WithPanelID(ctx, 3)

	domainErr := apperrors.NewPanelError(apperrors.ErrCodePanelUnreachable, "login timed out", true, nil).
		WithMetadata("panel_address", "10.0.0.1:54321")
	l.ErrorCtx(ctx, "provisioning failed", domainErr, slog.String("extra", "value"))

	entry := decodeLine(t, &buf)
	for _, k := range []string{
		"error", "error_domain", "error_code", "retryable", "request_id", "task_id",
		"node_id", "panel_id", "component", "version", "extra", "panel_address", "msg", "time", "level",
	} {
		assert.Contains(t, entry, k)
	}
	assert.Equal(t, apperrors.ErrCodePanelUnreachable, entry["error_code"])
	assert.Equal(t, "17", entry["node_id"])
	assert.Equal(t, true, entry["retryable"])
}

func TestErrorCtx_PlainError(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)

	l.ErrorCtx(context.Background(), "boom", errors.New("plain"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "plain", entry["error"])
	assert.NotContains(t, entry, "error_code")
}

func TestWithComponent_DoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := newJSONLogger(&buf)
	child := parent.WithComponent("panel")

	child.WithContext(context.Background()).Info("child")
	parent.WithContext(context.Background()).Info("parent")

	assert.Equal(t, "panel", decodeLine(t, &buf)["component"])
	assert.Equal(t, "test-component", decodeLine(t, &buf)["component"])
}

func TestOperation_CompleteAndFail(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)

	op := l.StartOp(context.Background(), "migrate", slog.Int("node_id", 5))
	started := decodeLine(t, &buf)
	assert.Equal(t, "operation started", started["msg"])
	assert.Equal(t, "migrate", started["operation"])

	op.Complete("")
	done := decodeLine(t, &buf)
	assert.Equal(t, "operation completed", done["msg"])
	assert.Contains(t, done, "duration_ms")
	assert.EqualValues(t, 5, done["node_id"])

	op.Fail(apperrors.DomainErrPortsExhausted, "")
	failed := decodeLine(t, &buf)
	assert.Equal(t, "operation failed", failed["msg"])
	assert.Equal(t, apperrors.ErrCodePortsExhausted, failed["error_code"])
}

func TestHTTPRequest_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)

	l.HTTPRequest(context.Background(), "GET", "/health", 200, 0)
	assert.Equal(t, "INFO", decodeLine(t, &buf)["level"])

	l.HTTPRequest(context.Background(), "GET", "/api/v1/nodes/9", 404, 0)
	assert.Equal(t, "WARN", decodeLine(t, &buf)["level"])

	l.HTTPRequest(context.Background(), "POST", "/api/v1/orders/1/fulfill", 500, 0)
	assert.Equal(t, "ERROR", decodeLine(t, &buf)["level"])
}

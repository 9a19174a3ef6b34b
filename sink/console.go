package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Console writes each event as one JSON line.
type Console struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ Publisher = (*Console)(nil)

// NewConsole creates a publisher writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{enc: json.NewEncoder(w)}
}

// Publish writes evt as one line of JSON.
func (c *Console) Publish(_ context.Context, evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(evt); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// Log writes events through a zap logger.
type Log struct {
	logger *zap.Logger
}

var _ Publisher = (*Log)(nil)

// NewLog creates a publisher logging at info level.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Publish logs evt at info level. It never fails.
func (l *Log) Publish(_ context.Context, evt Event) error {
	l.logger.Info("topology event",
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.Type)),
		zap.Any("value", evt.Value))

	return nil
}

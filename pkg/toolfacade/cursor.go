package toolfacade

import (
	"encoding/json"
	"strconv"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/google/uuid"
)

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func parseTaskCursor(raw string) (*task.Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	ts, id, err := splitCursor(raw)
	if err != nil {
		return nil, err
	}
	return &task.Cursor{CreatedAtUnixNano: ts, TaskID: id}, nil
}

func parseReceiptCursor(raw string) (*receipt.Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	ts, id, err := splitCursor(raw)
	if err != nil {
		return nil, err
	}
	return &receipt.Cursor{CreatedAtUnixNano: ts, ReceiptID: id}, nil
}

func splitCursor(raw string) (int64, uuid.UUID, error) {
	idx := lastDot(raw)
	if idx < 0 {
		return 0, uuid.UUID{}, apierr.Validation("", "malformed cursor")
	}
	ts, err := strconv.ParseInt(raw[:idx], 10, 64)
	if err != nil {
		return 0, uuid.UUID{}, apierr.Validation("", "malformed cursor")
	}
	id, err := uuid.Parse(raw[idx+1:])
	if err != nil {
		return 0, uuid.UUID{}, apierr.Validation("", "malformed cursor")
	}
	return ts, id, nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func encodeTaskCursor(c *task.Cursor) string {
	if c == nil {
		return ""
	}
	return strconv.FormatInt(c.CreatedAtUnixNano, 10) + "." + c.TaskID.String()
}

func encodeReceiptCursor(c *receipt.Cursor) string {
	if c == nil {
		return ""
	}
	return strconv.FormatInt(c.CreatedAtUnixNano, 10) + "." + c.ReceiptID.String()
}

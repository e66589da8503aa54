package jimeng

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// History statuses reported by get_history_by_ids.
const (
	HistoryStatusRunning = 20
	HistoryStatusFailed  = 30
)

// FlexInt decodes a JSON number or numeric string.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("jimeng: not a number: %q", s)
	}
	*f = FlexInt(n)
	return nil
}

// HistoryRecord is the vendor-side state of one generation.
type HistoryRecord struct {
	Status   FlexInt          `json:"status"`
	FailCode FlexInt          `json:"fail_code"`
	ItemList []map[string]any `json:"item_list"`
}

// GetHistory fetches the record for historyID. A nil record with a nil
// error means the vendor does not know about it yet.
func (c *Client) GetHistory(ctx context.Context, sessionID, historyID string) (*HistoryRecord, error) {
	data, err := c.Post(ctx, sessionID, pathHistory, map[string]any{
		"history_ids": []string{historyID},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		HistoryList []json.RawMessage `json:"history_list"`
	}
	if err := decodeNumbers(data, &body); err != nil {
		return nil, fmt.Errorf("jimeng: decode history: %w", err)
	}
	raw := json.RawMessage(nil)
	if len(body.HistoryList) > 0 {
		raw = body.HistoryList[0]
	} else {
		var byID map[string]json.RawMessage
		if err := json.Unmarshal(data, &byID); err == nil {
			raw = byID[historyID]
		}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rec HistoryRecord
	if err := decodeNumbers(raw, &rec); err != nil {
		return nil, fmt.Errorf("jimeng: decode history record: %w", err)
	}
	return &rec, nil
}

// GetLocalItems looks up the downloadable form of a generated item.
func (c *Client) GetLocalItems(ctx context.Context, sessionID, itemID string) (map[string]any, error) {
	data, err := c.Post(ctx, sessionID, pathLocalItems, map[string]any{
		"item_id_list": []string{itemID},
		"pack_item_opt": map[string]any{
			"scene":               1,
			"need_data_integrity": true,
		},
		"is_for_video_download": true,
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := decodeNumbers(data, &out); err != nil {
		return nil, fmt.Errorf("jimeng: decode local items: %w", err)
	}
	return out, nil
}

// decodeNumbers keeps large ids intact as json.Number.
func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
)

var (
	itemIDFields = [][]string{
		{"item_id"},
		{"id"},
		{"local_item_id"},
		{"common_attr", "id"},
	}
	downloadURLFields = [][]string{
		{"video", "transcoded_video", "origin", "video_url"},
		{"video", "download_url"},
		{"video", "play_url"},
		{"video", "url"},
	}
	previewURLFields = [][]string{
		{"video", "transcoded_video", "origin", "video_url"},
		{"video", "play_url"},
		{"video", "download_url"},
		{"video", "url"},
	}
	cdnURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`https://v[0-9]+-dreamnia\.jimeng\.com/[^"\s\\]+`),
		regexp.MustCompile(`https://v[0-9]+-[^"\\]*\.jimeng\.com/[^"\s\\]+`),
	}
)

// resolve picks the best URL for the first produced item: the download
// lookup first, then the preview fields of the history item.
func (s *Seedance) resolve(ctx context.Context, log *infra.Logger, sessionID string, items []map[string]any) (string, error) {
	if len(items) == 0 {
		return "", domain.ErrResultMissing
	}
	item := items[0]
	if id := firstString(item, itemIDFields); id != "" {
		url, err := s.downloadURL(ctx, sessionID, id)
		if err != nil {
			log.Warn().Err(err).Str("item_id", id).Msg("seedance: download lookup failed, using preview")
		} else if url != "" {
			return url, nil
		}
	}
	if url := firstString(item, previewURLFields); url != "" {
		log.Debug().Msg("seedance: using preview url")
		return url, nil
	}
	return "", domain.ErrResultMissing
}

func (s *Seedance) downloadURL(ctx context.Context, sessionID, itemID string) (string, error) {
	resp, err := s.api.GetLocalItems(ctx, sessionID, itemID)
	if err != nil {
		return "", err
	}
	for _, key := range []string{"item_list", "local_item_list"} {
		list, ok := resp[key].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		if first, ok := list[0].(map[string]any); ok {
			if url := firstString(first, downloadURLFields); url != "" {
				return url, nil
			}
		}
		break
	}
	return ScanCDNURL(resp), nil
}

// ScanCDNURL searches the JSON form of v for a video CDN URL.
func ScanCDNURL(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	for _, re := range cdnURLPatterns {
		if m := re.Find(buf.Bytes()); m != nil {
			return string(m)
		}
	}
	return ""
}

// firstString returns the first non-empty scalar found at any of paths.
func firstString(m map[string]any, paths [][]string) string {
	for _, path := range paths {
		if s := scalar(lookup(m, path)); s != "" {
			return s
		}
	}
	return ""
}

func lookup(m map[string]any, path []string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		if t.String() == "0" {
			return ""
		}
		return t.String()
	case float64:
		if t == 0 {
			return ""
		}
		return fmt.Sprintf("%.0f", t)
	}
	return ""
}

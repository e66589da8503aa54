package jimeng

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
)

func TestPostRetriesTransportErrorsWithLinearBackoff(t *testing.T) {
	transport := newCaptureTransport()
	transport.fail(pathUploadToken, errors.New("connection reset"))
	transport.fail(pathUploadToken, errors.New("connection reset"))
	transport.setJSON(pathUploadToken, envelopeOK(map[string]any{"ok": true}))

	client, sleeps := newTestClient(t, transport)
	data, err := client.Post(context.Background(), "sess", pathUploadToken, map[string]any{"scene": 2})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("data = %s", data)
	}
	if got, want := *sleeps, []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	if n := transport.count(pathUploadToken); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
}

func TestPostGivesUpAfterThreeRetries(t *testing.T) {
	transport := newCaptureTransport()
	for i := 0; i < 4; i++ {
		transport.setRaw(pathHistory, http.StatusBadGateway, []byte("<html>bad gateway</html>"))
	}

	client, sleeps := newTestClient(t, transport)
	_, err := client.Post(context.Background(), "sess", pathHistory, map[string]any{})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if got, want := *sleeps, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	if n := transport.count(pathHistory); n != 4 {
		t.Fatalf("attempts = %d, want 4", n)
	}
}

func TestPostDoesNotRetryBusinessErrors(t *testing.T) {
	cases := []struct {
		name    string
		ret     any
		credits bool
	}{
		{name: "generic", ret: "1015"},
		{name: "credits string", ret: "5000", credits: true},
		{name: "credits number", ret: 5000, credits: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := newCaptureTransport()
			transport.setJSON(pathHistory, map[string]any{"ret": tc.ret, "errmsg": "nope"})

			client, sleeps := newTestClient(t, transport)
			_, err := client.Post(context.Background(), "sess", pathHistory, map[string]any{})
			var be *domain.BusinessError
			if !errors.As(err, &be) {
				t.Fatalf("err = %v, want BusinessError", err)
			}
			if be.Message != "nope" {
				t.Fatalf("message = %q", be.Message)
			}
			if got := errors.Is(err, domain.ErrInsufficientCredits); got != tc.credits {
				t.Fatalf("insufficient credits = %v, want %v", got, tc.credits)
			}
			if len(*sleeps) != 0 || transport.count(pathHistory) != 1 {
				t.Fatalf("business error was retried")
			}
		})
	}
}

func TestPostSignsAndDecoratesRequest(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON(pathUploadToken, envelopeOK(map[string]any{}))

	client, _ := newTestClient(t, transport)
	if _, err := client.Post(context.Background(), "abc123", pathUploadToken, map[string]any{"scene": 2}); err != nil {
		t.Fatalf("post: %v", err)
	}
	req := transport.last(pathUploadToken)
	if got := req.header.Get("Sign"); got != "1b29032d7ce81e3017668ac5c1923e78" {
		t.Fatalf("sign = %q", got)
	}
	if got := req.header.Get("Device-Time"); got != "1700000000" {
		t.Fatalf("device-time = %q", got)
	}
	if got := req.header.Get("Sign-Ver"); got != "1" {
		t.Fatalf("sign-ver = %q", got)
	}
	cookie := req.header.Get("Cookie")
	for _, want := range []string{"sessionid=abc123", "sid_tt=abc123", "_tea_web_id=7100000000000000000", "uid_tt=user42"} {
		if !strings.Contains(cookie, want) {
			t.Fatalf("cookie %q missing %q", cookie, want)
		}
	}
	q := req.url.Query()
	if q.Get("aid") != "513695" || q.Get("da_version") != APIDraftVersion || q.Get("webId") != "7100000000000000000" {
		t.Fatalf("unexpected query %v", q)
	}
	if string(req.body) != `{"scene":2}` {
		t.Fatalf("body = %s", req.body)
	}
}

func TestUnwrap(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		want     string
		wantErr  error
		wantCode string
	}{
		{name: "zero string", body: `{"ret":"0","data":{"a":1}}`, want: `{"a":1}`},
		{name: "zero number", body: `{"ret":0,"data":[1]}`, want: `[1]`},
		{name: "no ret", body: `{"history":1}`, want: `{"history":1}`},
		{name: "non numeric ret", body: `{"ret":"abc"}`, want: `{"ret":"abc"}`},
		{name: "business", body: `{"ret":"34","errmsg":"bad"}`, wantErr: domain.ErrBusiness, wantCode: "34"},
		{name: "garbage", body: `<html>`, wantErr: domain.ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unwrap([]byte(tc.body))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				var be *domain.BusinessError
				if tc.wantCode != "" && (!errors.As(err, &be) || be.Code != tc.wantCode) {
					t.Fatalf("code mismatch: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unwrap: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("data = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestGetHistoryShapes(t *testing.T) {
	t.Run("history list", func(t *testing.T) {
		transport := newCaptureTransport()
		transport.setJSON(pathHistory, envelopeOK(map[string]any{
			"history_list": []any{map[string]any{
				"status":    "30",
				"fail_code": 2038,
				"item_list": []any{},
			}},
		}))
		client, _ := newTestClient(t, transport)
		rec, err := client.GetHistory(context.Background(), "sess", "h1")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if rec == nil || rec.Status != HistoryStatusFailed || rec.FailCode != 2038 {
			t.Fatalf("record = %+v", rec)
		}
		var body map[string][]string
		_ = json.Unmarshal(transport.last(pathHistory).body, &body)
		if !reflect.DeepEqual(body["history_ids"], []string{"h1"}) {
			t.Fatalf("request body = %s", transport.last(pathHistory).body)
		}
	})

	t.Run("keyed by id", func(t *testing.T) {
		transport := newCaptureTransport()
		transport.setJSON(pathHistory, envelopeOK(map[string]any{
			"h2": map[string]any{
				"status":    50,
				"item_list": []any{map[string]any{"item_id": 7615283640429366817}},
			},
		}))
		client, _ := newTestClient(t, transport)
		rec, err := client.GetHistory(context.Background(), "sess", "h2")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if rec == nil || len(rec.ItemList) != 1 {
			t.Fatalf("record = %+v", rec)
		}
		if id, ok := rec.ItemList[0]["item_id"].(json.Number); !ok || id.String() != "7615283640429366817" {
			t.Fatalf("item_id = %#v", rec.ItemList[0]["item_id"])
		}
	})

	t.Run("absent", func(t *testing.T) {
		transport := newCaptureTransport()
		transport.setJSON(pathHistory, envelopeOK(map[string]any{}))
		client, _ := newTestClient(t, transport)
		rec, err := client.GetHistory(context.Background(), "sess", "h3")
		if err != nil || rec != nil {
			t.Fatalf("rec = %+v, err = %v", rec, err)
		}
	})
}

func TestGetLocalItemsRequest(t *testing.T) {
	transport := newCaptureTransport()
	transport.setJSON(pathLocalItems, envelopeOK(map[string]any{"item_list": []any{}}))
	client, _ := newTestClient(t, transport)

	out, err := client.GetLocalItems(context.Background(), "sess", "item-9")
	if err != nil {
		t.Fatalf("local items: %v", err)
	}
	if _, ok := out["item_list"]; !ok {
		t.Fatalf("out = %v", out)
	}
	var body map[string]any
	if err := json.Unmarshal(transport.last(pathLocalItems).body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["is_for_video_download"] != true {
		t.Fatalf("body = %v", body)
	}
	opt := body["pack_item_opt"].(map[string]any)
	if opt["scene"] != float64(1) || opt["need_data_integrity"] != true {
		t.Fatalf("pack_item_opt = %v", opt)
	}
}

type capturedRequest struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte
}

type responseStub struct {
	status int
	body   []byte
	err    error
}

// captureTransport replays queued responses keyed by ImageX Action or URL path.
type captureTransport struct {
	mu        sync.Mutex
	responses map[string][]responseStub
	requests  map[string][]capturedRequest
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{
		responses: map[string][]responseStub{},
		requests:  map[string][]capturedRequest{},
	}
}

func routeKey(req *http.Request) string {
	if action := req.URL.Query().Get("Action"); action != "" {
		return action
	}
	return req.URL.Path
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		body = b
	}
	key := routeKey(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[key] = append(c.requests[key], capturedRequest{
		method: req.Method,
		url:    req.URL,
		header: req.Header.Clone(),
		body:   body,
	})
	queue := c.responses[key]
	if len(queue) == 0 {
		return &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("not found"))}, nil
	}
	stub := queue[0]
	if len(queue) > 1 {
		c.responses[key] = queue[1:]
	}
	if stub.err != nil {
		return nil, stub.err
	}
	return &http.Response{
		StatusCode: stub.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(stub.body)),
	}, nil
}

func (c *captureTransport) setJSON(key string, payload any) {
	body, _ := json.Marshal(payload)
	c.setRaw(key, http.StatusOK, body)
}

func (c *captureTransport) setRaw(key string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key] = append(c.responses[key], responseStub{status: status, body: body})
}

func (c *captureTransport) fail(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key] = append(c.responses[key], responseStub{err: err})
}

func (c *captureTransport) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests[key])
}

func (c *captureTransport) last(key string) capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqs := c.requests[key]
	if len(reqs) == 0 {
		return capturedRequest{url: &url.URL{}, header: http.Header{}}
	}
	return reqs[len(reqs)-1]
}

func envelopeOK(data any) map[string]any {
	return map[string]any{"ret": "0", "errmsg": "success", "data": data}
}

func newTestClient(t *testing.T, transport http.RoundTripper) (*Client, *[]time.Duration) {
	t.Helper()
	var sleeps []time.Duration
	client, err := NewClient(Options{
		BaseURL:    "https://jimeng.test",
		ImageXURL:  "https://imagex.test",
		HTTPClient: &http.Client{Transport: transport},
		WebID:      "7100000000000000000",
		UserID:     "user42",
		Now:        func() time.Time { return time.Unix(1700000000, 0) },
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, &sleeps
}

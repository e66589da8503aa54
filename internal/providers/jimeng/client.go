// Package jimeng talks to the Jimeng web API and its ImageX upload service
// the way the official web client does.
package jimeng

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wwwzhouhui/seedance2.0/internal/browser"
	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/signing"
)

const (
	DefaultBaseURL   = "https://jimeng.jianying.com"
	DefaultImageXURL = "https://imagex.bytedanceapi.com"
	CookieDomain     = ".jianying.com"
	UserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

	AssistantID          = 513695
	VersionCode          = "8.4.0"
	PlatformCode         = "7"
	WebVersion           = "7.5.0"
	APIDraftVersion      = "3.3.2"
	SeedanceDraftVersion = "3.3.9"

	pathUploadToken = "/mweb/v1/get_upload_token"
	pathHistory     = "/mweb/v1/get_history_by_ids"
	pathLocalItems  = "/mweb/v1/get_local_item_list"
	pathGenerate    = "/mweb/v1/aigc_draft/generate"

	defaultTimeout    = 45 * time.Second
	defaultMaxRetries = 3
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options configures the Jimeng client.
type Options struct {
	BaseURL    string
	ImageXURL  string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	WebID      string
	UserID     string
	Now        func() time.Time
	Sleep      SleepFunc
	Logger     *infra.Logger
}

// Client performs signed calls against the vendor API.
type Client struct {
	baseURL    string
	imagexURL  string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	webID      string
	userID     string
	signer     signing.APISigner
	now        func() time.Time
	sleep      SleepFunc
	logger     *infra.Logger
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	imagexURL := strings.TrimRight(opts.ImageXURL, "/")
	if imagexURL == "" {
		imagexURL = DefaultImageXURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("jimeng: invalid base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	webID := opts.WebID
	if webID == "" {
		webID = strconv.FormatInt(7_000_000_000_000_000_000+rand.Int64N(999_999_999_999_999_999), 10)
	}
	userID := opts.UserID
	if userID == "" {
		userID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Client{
		baseURL:    baseURL,
		imagexURL:  imagexURL,
		httpClient: httpClient,
		timeout:    timeout,
		maxRetries: maxRetries,
		webID:      webID,
		userID:     userID,
		signer:     signing.APISigner{PlatformCode: PlatformCode, VersionCode: VersionCode},
		now:        now,
		sleep:      sleep,
		logger:     logger,
	}, nil
}

// Identity returns the browser session key for a caller credential.
func (c *Client) Identity(sessionID string) browser.SessionKey {
	return browser.SessionKey{SessionID: sessionID, WebID: c.webID, UserID: c.userID}
}

// AppURL is the page the browser session navigates to.
func (c *Client) AppURL() string {
	return c.baseURL
}

// GenerateURL is the draft submission endpoint, only ever called through the browser.
func (c *Client) GenerateURL() string {
	return c.baseURL + pathGenerate + "?" + c.commonQuery(SeedanceDraftVersion).Encode()
}

func (c *Client) commonQuery(draftVersion string) url.Values {
	q := url.Values{}
	q.Set("aid", strconv.Itoa(AssistantID))
	q.Set("device_platform", "web")
	q.Set("region", "cn")
	q.Set("webId", c.webID)
	q.Set("da_version", draftVersion)
	q.Set("web_component_open_flag", "1")
	q.Set("web_version", WebVersion)
	q.Set("aigc_features", "app_lip_sync")
	return q
}

// Cookie builds the Cookie header for a session credential.
func (c *Client) Cookie(sessionID string) string {
	return strings.Join([]string{
		"_tea_web_id=" + c.webID,
		"is_staff_user=false",
		"store-region=cn-gd",
		"store-region-src=uid",
		"uid_tt=" + c.userID,
		"uid_tt_ss=" + c.userID,
		"sid_tt=" + sessionID,
		"sessionid=" + sessionID,
		"sessionid_ss=" + sessionID,
	}, "; ")
}

func (c *Client) setBrowserHeaders(h http.Header) {
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("App-Sdk-Version", "48.0.0")
	h.Set("Cache-Control", "no-cache")
	h.Set("Appid", strconv.Itoa(AssistantID))
	h.Set("Appvr", VersionCode)
	h.Set("Lan", "zh-Hans")
	h.Set("Loc", "cn")
	h.Set("Origin", c.baseURL)
	h.Set("Pragma", "no-cache")
	h.Set("Priority", "u=1, i")
	h.Set("Referer", c.baseURL)
	h.Set("Pf", PlatformCode)
	h.Set("Sec-Ch-Ua", `"Google Chrome";v="132", "Chromium";v="132", "Not_A Brand";v="8"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("User-Agent", UserAgent)
}

// Post performs a signed POST and returns the unwrapped data field.
// Transport failures are retried with a linear 1s/2s/3s backoff; vendor
// business errors are returned immediately.
func (c *Client) Post(ctx context.Context, sessionID, path string, body any) (json.RawMessage, error) {
	return withRetry(ctx, c, path, func(ctx context.Context) (json.RawMessage, error) {
		return c.post(ctx, sessionID, path, body)
	})
}

func withRetry[T any](ctx context.Context, c *Client, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug().Str("call", label).Int("attempt", attempt).Msg("jimeng: retrying")
			if err := c.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return zero, err
			}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrTransport) {
			return zero, err
		}
		lastErr = err
		c.logger.Debug().Err(err).Str("call", label).Int("attempt", attempt+1).Msg("jimeng: request failed")
	}
	return zero, lastErr
}

func (c *Client) post(ctx context.Context, sessionID, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("jimeng: encode request: %w", err)
	}
	endpoint := c.baseURL + path + "?" + c.commonQuery(APIDraftVersion).Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("jimeng: build request: %w", err)
	}
	c.setBrowserHeaders(req.Header)
	deviceTime, sign := c.signer.Sign(path, c.now())
	req.Header.Set("Cookie", c.Cookie(sessionID))
	req.Header.Set("Device-Time", strconv.FormatInt(deviceTime, 10))
	req.Header.Set("Sign", sign)
	req.Header.Set("Sign-Ver", "1")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "jimeng: " + path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransportError{Op: "jimeng: read " + path, Err: err}
	}
	return Unwrap(raw)
}

type envelope struct {
	Ret    json.RawMessage `json:"ret"`
	ErrMsg string          `json:"errmsg"`
	Data   json.RawMessage `json:"data"`
}

// Unwrap validates the {ret, errmsg, data} envelope. A numeric ret of 0
// yields data; any other numeric ret is a BusinessError. Bodies without a
// numeric ret are returned whole.
func Unwrap(raw []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &domain.TransportError{Op: "jimeng: decode response", Err: fmt.Errorf("%w: %s", err, snippet(raw))}
	}
	code, ok := retCode(env.Ret)
	if !ok {
		return raw, nil
	}
	if code == "0" {
		return env.Data, nil
	}
	msg := env.ErrMsg
	if msg == "" {
		msg = code
	}
	return nil, &domain.BusinessError{Code: code, Message: msg}
}

func retCode(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", false
	}
	return s, true
}

func snippet(raw []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

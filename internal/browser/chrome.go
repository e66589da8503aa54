package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/wwwzhouhui/seedance2.0/internal/infra"
)

// DefaultReadyChecks are the page conditions that indicate the vendor's
// anti-bot SDK has instrumented the page. Any one of them is enough.
var DefaultReadyChecks = []string{
	"window.bdms?.init",
	"window.byted_acrawler",
	"window.fetch.toString().indexOf('native code') === -1",
}

// DefaultScriptAllowlist lists the CDN domains whose scripts are allowed to load.
var DefaultScriptAllowlist = []string{
	"vlabstatic.com",
	"bytescm.com",
	"jianying.com",
	"byteimg.com",
}

var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeStylesheet: true,
	network.ResourceTypeMedia:      true,
}

// ChromeOptions configures the chromedp-backed engine.
type ChromeOptions struct {
	ExecPath        string
	AppURL          string
	CookieDomain    string
	UserAgent       string
	NavigateTimeout time.Duration
	ReadyTimeout    time.Duration
	ReadyChecks     []string
	ScriptAllowlist []string
	Logger          *infra.Logger
}

type chromeEngine struct {
	opts          ChromeOptions
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// ChromeLauncher returns a Launcher that starts a headless Chromium.
func ChromeLauncher(opts ChromeOptions) Launcher {
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = 30 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if len(opts.ReadyChecks) == 0 {
		opts.ReadyChecks = DefaultReadyChecks
	}
	if len(opts.ScriptAllowlist) == 0 {
		opts.ScriptAllowlist = DefaultScriptAllowlist
	}
	if opts.Logger == nil {
		opts.Logger = infra.DiscardLogger()
	}
	return func(ctx context.Context) (Engine, error) {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.DisableGPU,
			chromedp.NoFirstRun,
			chromedp.Flag("no-zygote", true),
			chromedp.Flag("single-process", true),
		)
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		// The engine outlives the request that triggered its launch.
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return nil, err
		}
		return &chromeEngine{
			opts:          opts,
			allocCancel:   allocCancel,
			browserCtx:    browserCtx,
			browserCancel: browserCancel,
		}, nil
	}
}

func (e *chromeEngine) Close() error {
	err := chromedp.Cancel(e.browserCtx)
	e.browserCancel()
	e.allocCancel()
	return err
}

func (e *chromeEngine) OpenTab(ctx context.Context, key SessionKey) (Tab, error) {
	tabCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	t := &chromeTab{ctx: tabCtx, cancel: cancel}

	e.intercept(tabCtx)

	cookies := make([]*network.CookieParam, 0, 7)
	for _, c := range sessionCookies(key) {
		cookies = append(cookies, &network.CookieParam{
			Name:   c[0],
			Value:  c[1],
			Domain: e.opts.CookieDomain,
			Path:   "/",
		})
	}
	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		if e.opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.opts.UserAgent).Do(ctx); err != nil {
				return err
			}
		}
		if err := network.SetCookies(cookies).Do(ctx); err != nil {
			return err
		}
		return fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).Do(ctx)
	})
	if err := chromedp.Run(tabCtx, setup); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("prepare context: %w", err)
	}

	if err := e.navigate(ctx, tabCtx); err != nil {
		_ = t.Close()
		return nil, err
	}

	ready := WaitReady(tabCtx, e.opts.ReadyTimeout, func(ctx context.Context) (bool, error) {
		var ok bool
		err := chromedp.Run(ctx, chromedp.Poll(readyExpression(e.opts.ReadyChecks), &ok,
			chromedp.WithPollingTimeout(e.opts.ReadyTimeout)))
		return ok, err
	})
	if ready {
		e.opts.Logger.Info().Str("session", shortID(key.SessionID)).Msg("browser: anti-bot sdk ready")
	} else {
		e.opts.Logger.Warn().Str("session", shortID(key.SessionID)).Msg("browser: anti-bot sdk wait timed out, continuing")
	}
	return t, nil
}

func (e *chromeEngine) navigate(ctx context.Context, tabCtx context.Context) error {
	e.opts.Logger.Info().Str("url", e.opts.AppURL).Msg("browser: navigating")
	navCtx, cancel := context.WithTimeout(tabCtx, e.opts.NavigateTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(navCtx, chromedp.Navigate(e.opts.AppURL)); err != nil {
		return fmt.Errorf("navigate %s: %w", e.opts.AppURL, err)
	}
	return nil
}

// intercept aborts heavy resources and third-party scripts.
func (e *chromeEngine) intercept(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			if c == nil || c.Target == nil {
				return
			}
			execCtx := cdp.WithExecutor(tabCtx, c.Target)
			var err error
			if blockRequest(paused.ResourceType, paused.Request.URL, e.opts.ScriptAllowlist) {
				err = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			} else {
				err = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				e.opts.Logger.Debug().Err(err).Msg("browser: intercept")
			}
		}()
	})
}

func blockRequest(kind network.ResourceType, rawURL string, allowlist []string) bool {
	if blockedResourceTypes[kind] {
		return true
	}
	if kind != network.ResourceTypeScript {
		return false
	}
	for _, domain := range allowlist {
		if strings.Contains(rawURL, domain) {
			return false
		}
	}
	return true
}

func readyExpression(checks []string) string {
	parts := make([]string, len(checks))
	for i, c := range checks {
		parts[i] = "(" + c + ")"
	}
	return "!!(" + strings.Join(parts, " || ") + ")"
}

// sessionCookies lists the authentication cookies injected into every context.
func sessionCookies(key SessionKey) [][2]string {
	return [][2]string{
		{"_tea_web_id", key.WebID},
		{"is_staff_user", "false"},
		{"store-region", "cn-gd"},
		{"uid_tt", key.UserID},
		{"sid_tt", key.SessionID},
		{"sessionid", key.SessionID},
		{"sessionid_ss", key.SessionID},
	}
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

const fetchScript = `(async () => {
  const resp = await fetch(%s, {
    method: %s,
    headers: %s,
    body: %s,
    credentials: 'include',
  });
  return await resp.text();
})()`

func (t *chromeTab) Fetch(ctx context.Context, req FetchRequest) (json.RawMessage, error) {
	headers := req.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	args := make([]string, 4)
	for i, v := range []any{req.URL, req.Method, headers, nullable(req.Body)} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("browser: encode fetch args: %w", err)
		}
		args[i] = string(b)
	}
	script := fmt.Sprintf(fetchScript, args[0], args[1], args[2], args[3])

	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var text string
	err := chromedp.Run(runCtx, chromedp.Evaluate(script, &text, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, fmt.Errorf("browser: evaluate fetch: %w", err)
	}
	raw := json.RawMessage(text)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("browser: non-json response: %s", truncate(text, 120))
	}
	return raw, nil
}

func (t *chromeTab) Close() error {
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	return err
}

func nullable(body string) any {
	if body == "" {
		return nil
	}
	return body
}

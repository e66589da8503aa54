package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/pipeline"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/video"
	"github.com/wwwzhouhui/seedance2.0/internal/service"
	"github.com/wwwzhouhui/seedance2.0/internal/storage"
)

const (
	pollInterval  = 3 * time.Second
	maxWait       = 25 * time.Minute
	shutdownGrace = 10 * time.Second
)

var errWaitExceeded = errors.New("gave up waiting for the video")

// imageList collects repeated -image flags.
type imageList []string

func (l *imageList) String() string { return strings.Join(*l, ",") }

func (l *imageList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty image path")
	}
	*l = append(*l, v)
	return nil
}

type jobPoller interface {
	PollJob(id, locale string) (service.JobView, error)
}

type jobRunner interface {
	jobPoller
	SubmitJob(ctx context.Context, req service.SubmitRequest) (string, error)
}

type downloader interface {
	Download(ctx context.Context, rawURL string, dst io.Writer) (int64, error)
}

// stack is the running pipeline as seen by run.
type stack struct {
	jobs  jobRunner
	proxy downloader
	close func(ctx context.Context) error
}

type options struct {
	prompt    string
	model     string
	ratio     string
	duration  int
	images    []string
	out       string
	sessionID string
	locale    string
	interval  time.Duration
	budget    time.Duration
}

func main() {
	_ = godotenv.Load()

	var (
		images   imageList
		prompt   = flag.String("prompt", "", "prompt text; @1..@N refer to the images in order")
		model    = flag.String("model", video.DefaultModel, "model: "+strings.Join(video.ModelNames(), ", "))
		ratio    = flag.String("ratio", video.DefaultRatio, "aspect ratio: "+strings.Join(video.RatioNames(), ", "))
		duration = flag.Int("duration", video.DefaultDuration, "video length in seconds (4-15)")
		out      = flag.String("out", "", "directory to download the video into (skip download when empty)")
		session  = flag.String("session", "", "Jimeng session id (falls back to DEFAULT_SESSION_ID)")
		lang     = flag.String("lang", "", "message language: zh or en")
	)
	flag.Var(&images, "image", "reference image path (repeatable, at most 5)")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	// progress goes to stdout; only warnings are logged, to stderr
	logger := infra.NewLogger("cli").Output(os.Stderr).Level(zerolog.WarnLevel).
		With().Str("cmd", "generate").Logger()

	o := options{
		prompt:    *prompt,
		model:     *model,
		ratio:     *ratio,
		duration:  *duration,
		images:    images,
		out:       *out,
		sessionID: strings.TrimSpace(*session),
		locale:    strings.TrimSpace(*lang),
		interval:  pollInterval,
		budget:    maxWait,
	}
	if o.locale == "" {
		o.locale = cfg.DefaultLocale
	}
	if o.sessionID == "" {
		o.sessionID = cfg.DefaultSessionID
	}
	if o.sessionID == "" {
		if o.sessionID, err = promptSessionID(); err != nil {
			fmt.Fprintf(os.Stderr, "read session id: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	start := func() (*stack, error) {
		p, err := pipeline.Build(cfg, &logger)
		if err != nil {
			return nil, err
		}
		p.Start()
		return &stack{jobs: p.Service, proxy: p.Proxy, close: p.Close}, nil
	}
	code := run(ctx, o, start, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run submits one job, waits for it and optionally downloads the result.
// It returns the process exit code; the pipeline is always closed first.
func run(ctx context.Context, o options, start func() (*stack, error), stdout, stderr io.Writer) int {
	inputs, err := readImages(o.images)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	st, err := start()
	if err != nil {
		fmt.Fprintf(stderr, "build pipeline: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := st.close(closeCtx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
		}
	}()

	id, err := st.jobs.SubmitJob(ctx, service.SubmitRequest{
		Prompt:    o.prompt,
		Model:     o.model,
		Ratio:     o.ratio,
		Duration:  o.duration,
		SessionID: o.sessionID,
		Images:    inputs,
	})
	if err != nil {
		fmt.Fprintln(stderr, domain.UserMessage(err, o.locale))
		return 1
	}
	fmt.Fprintf(stdout, "task %s submitted\n", id)

	view, err := waitForJob(ctx, st.jobs, id, o.locale, o.interval, o.budget, stdout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	videoURL := view.Result.Data[0].URL
	fmt.Fprintln(stdout, videoURL)

	if strings.TrimSpace(o.out) == "" {
		return 0
	}
	store, err := storage.NewFileStore(o.out)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	key := id + ".mp4"
	if _, err := store.WriteWith(ctx, key, func(w io.Writer) error {
		_, err := st.proxy.Download(ctx, videoURL, w)
		return err
	}); err != nil {
		fmt.Fprintln(stderr, domain.UserMessage(err, o.locale))
		return 1
	}
	path, _ := store.Path(key)
	fmt.Fprintf(stdout, "saved %s\n", path)
	return 0
}

// waitForJob polls until the job finishes, printing each new progress line.
func waitForJob(ctx context.Context, jobs jobPoller, id, locale string, interval, budget time.Duration, out io.Writer) (service.JobView, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		view, err := jobs.PollJob(id, locale)
		if err != nil {
			return service.JobView{}, err
		}
		switch view.Status {
		case domain.JobStatusDone:
			if view.Result == nil || len(view.Result.Data) == 0 {
				return view, domain.ErrResultMissing
			}
			return view, nil
		case domain.JobStatusError:
			return view, errors.New(view.Error)
		}
		if view.Progress != last {
			fmt.Fprintf(out, "[%4ds] %s\n", view.Elapsed, view.Progress)
			last = view.Progress
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return view, errWaitExceeded
			}
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

func readImages(paths []string) ([]video.ImageInput, error) {
	inputs := make([]video.ImageInput, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", path, err)
		}
		inputs = append(inputs, video.ImageInput{Filename: filepath.Base(path), Data: data})
	}
	return inputs, nil
}

func promptSessionID() (string, error) {
	fmt.Print("Enter Jimeng session id: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	input, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

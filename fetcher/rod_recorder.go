package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// CaptureStep is one user action replayed in the browser. A step with a
// Value selects that option of the Selector dropdown, otherwise the element is clicked.
type CaptureStep struct {
	Name     string
	Selector string
	Value    string
}

// RecorderOptions configures the headless browser used for captures
type RecorderOptions struct {
	BinPath     string
	UserDataDir string
	StepTimeout time.Duration
	Logger      zerolog.Logger
}

// Recorder drives the live form in a headless browser and stores every raw
// partial-postback body it observes as a numbered fixture
type Recorder struct {
	browser *rod.Browser
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRecorder launches a headless browser
func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		NoSandbox(true).
		Leakless(false).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-extensions").
		Set("mute-audio")

	if opts.UserDataDir != "" {
		if err := os.MkdirAll(opts.UserDataDir, 0o755); err != nil {
			opts.Logger.Warn().Err(err).Str("dir", opts.UserDataDir).Msg("failed to create browser data directory")
		} else {
			l = l.UserDataDir(opts.UserDataDir)
		}
	}

	if bin := findBrowser(opts.BinPath); bin != "" {
		l = l.Bin(bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	timeout := opts.StepTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Recorder{
		browser: browser,
		timeout: timeout,
		logger:  opts.Logger.With().Str("component", "recorder").Logger(),
	}, nil
}

// findBrowser returns the explicit binary or the first system Chrome found
func findBrowser(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, path := range []string{
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Close closes the browser
func (r *Recorder) Close() error {
	if r.browser != nil {
		return r.browser.Close()
	}
	return nil
}

// Capture opens target, replays steps and writes the entry page plus every
// postback body observed to dir. It returns the written file paths in order.
func (r *Recorder) Capture(ctx context.Context, target, dir string, steps []CaptureStep) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fixture directory: %w", err)
	}

	pageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	page, err := r.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()
	page = page.Context(pageCtx)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}

	var (
		mu    sync.Mutex
		files []string
		seq   int32
		posts sync.Map
	)

	// response bodies are fetched off the event loop
	queue := newBodyQueue(16, func(id proto.NetworkRequestID) {
		name, _ := posts.Load(id)
		path, err := r.saveBody(page, dir, id, name.(string))
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to save postback body")
			return
		}
		mu.Lock()
		files = append(files, path)
		mu.Unlock()
	})

	wait := page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if isPostback(e.Request) {
				n := atomic.AddInt32(&seq, 1)
				posts.Store(e.RequestID, fixtureName(int(n), "delta"))
			}
		},
		func(e *proto.NetworkLoadingFinished) {
			if _, ok := posts.Load(e.RequestID); ok {
				queue.push(e.RequestID)
			}
		},
	)
	listening := make(chan struct{})
	go func() {
		defer close(listening)
		wait()
	}()

	// the page context ends the event subscription before the queue stops
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			cancel()
			<-listening
			queue.close()
		})
	}
	defer shutdown()

	if err := page.Timeout(r.timeout).Navigate(target); err != nil {
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}
	if err := page.Timeout(r.timeout).WaitLoad(); err != nil {
		return nil, fmt.Errorf("failed to load entry page: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to get HTML: %w", err)
	}
	entry := filepath.Join(dir, fixtureName(0, "initial"))
	if err := os.WriteFile(entry, []byte(html), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write fixture: %w", err)
	}

	for _, step := range steps {
		if err := r.replay(page, step); err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Name, err)
		}
		r.logger.Info().Str("step", step.Name).Msg("step replayed")
	}

	// LoadingFinished events may still be queued after the last step went idle
	if !queue.settle(func() int { return int(atomic.LoadInt32(&seq)) }, r.timeout) {
		r.logger.Warn().Msg("timed out waiting for postback bodies")
	}
	shutdown()

	mu.Lock()
	defer mu.Unlock()
	return append([]string{entry}, files...), nil
}

// bodyQueue hands request ids from the event handler to a single consumer.
// The channel is never closed, so a push racing close cannot panic.
type bodyQueue struct {
	ids     chan proto.NetworkRequestID
	done    chan struct{}
	handle  func(proto.NetworkRequestID)
	handled atomic.Int32
	once    sync.Once
	wg      sync.WaitGroup
}

func newBodyQueue(size int, handle func(proto.NetworkRequestID)) *bodyQueue {
	q := &bodyQueue{
		ids:    make(chan proto.NetworkRequestID, size),
		done:   make(chan struct{}),
		handle: handle,
	}
	q.wg.Add(1)
	go q.consume()
	return q
}

func (q *bodyQueue) consume() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case id := <-q.ids:
			q.handle(id)
			q.handled.Add(1)
		}
	}
}

// push queues id and reports whether it was accepted before close
func (q *bodyQueue) push(id proto.NetworkRequestID) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ids <- id:
		return true
	case <-q.done:
		return false
	}
}

// settle waits until as many bodies were handled as want reports, or timeout
func (q *bodyQueue) settle(want func() int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for int(q.handled.Load()) < want() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}

// close stops the consumer and waits for it. Ids still queued are dropped.
func (q *bodyQueue) close() {
	q.once.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}

func (r *Recorder) replay(page *rod.Page, step CaptureStep) error {
	el, err := page.Timeout(r.timeout).Element(step.Selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", step.Selector, err)
	}

	wait := page.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	if step.Value != "" {
		err = el.Select([]string{fmt.Sprintf(`[value="%s"]`, step.Value)}, true, rod.SelectorTypeCSSSector)
	} else {
		err = el.Click(proto.InputMouseButtonLeft, 1)
	}
	if err != nil {
		return err
	}
	wait()
	return nil
}

func (r *Recorder) saveBody(page *rod.Page, dir string, id proto.NetworkRequestID, name string) (string, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		return "", err
	}

	body := []byte(res.Body)
	if res.Base64Encoded {
		body, err = base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			return "", fmt.Errorf("failed to decode body: %w", err)
		}
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write fixture: %w", err)
	}
	return path, nil
}

// isPostback matches the async form posts issued by the page's script manager
func isPostback(req *proto.NetworkRequest) bool {
	if req == nil || req.Method != "POST" {
		return false
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "X-MicrosoftAjax") && strings.Contains(v.Str(), "Delta=true") {
			return true
		}
	}
	return false
}

func fixtureName(seq int, kind string) string {
	ext := "txt"
	if kind == "initial" {
		ext = "html"
	}
	return fmt.Sprintf("%03d-%s.%s", seq, kind, ext)
}

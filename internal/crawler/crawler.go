package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Options configures the browser session
type Options struct {
	Width             int
	Height            int
	Headless          bool
	ProfileDir        string // Chrome/Chromium profile directory for authenticated sessions
	NavigationTimeout time.Duration
	IdleWait          time.Duration // upper bound on waiting for network idle after load
}

// Launcher starts rod-backed sessions.
type Launcher struct {
	opts   Options
	logger *zap.Logger
}

// NewLauncher creates a launcher with the given options
func NewLauncher(opts Options, logger *zap.Logger) *Launcher {
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.IdleWait == 0 {
		opts.IdleWait = 5 * time.Second
	}
	if opts.Width == 0 {
		opts.Width = 1280
	}
	if opts.Height == 0 {
		opts.Height = 720
	}
	return &Launcher{opts: opts, logger: logger.Named("crawler")}
}

// Session wraps the rod browser and the single page a run drives.
type Session struct {
	browser    *rod.Browser
	page       *rod.Page
	process    *launcher.Launcher
	baseDomain string
	opts       Options
	logger     *zap.Logger
	closeOnce  sync.Once
	closeErr   error
}

// Launch starts a browser, opens startURL and waits for it to settle.
// Setup is bounded by the navigation timeout: a browser that stops answering
// is killed, which fails whichever round-trip was pending.
func (l *Launcher) Launch(ctx context.Context, startURL string) (*Session, error) {
	u, err := url.Parse(startURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid start url %q", startURL)
	}

	path, _ := launcher.LookPath()
	lc := launcher.New().Bin(path).Headless(l.opts.Headless).Context(ctx)
	if l.opts.ProfileDir != "" {
		lc = lc.UserDataDir(l.opts.ProfileDir)
	}

	controlURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, l.opts.NavigationTimeout)
	defer cancel()
	stopWatchdog := context.AfterFunc(setupCtx, lc.Kill)

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		lc.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	s := &Session{
		browser:    browser,
		process:    lc,
		baseDomain: u.Host,
		opts:       l.opts,
		logger:     l.logger,
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	s.page = page

	if err := page.Context(setupCtx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             l.opts.Width,
		Height:            l.opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	if !stopWatchdog() {
		s.Close()
		return nil, fmt.Errorf("browser setup timed out after %s", l.opts.NavigationTimeout)
	}

	if err := s.Navigate(ctx, startURL); err != nil {
		s.Close()
		return nil, err
	}

	l.logger.Info("Session started", zap.String("url", startURL), zap.String("domain", s.baseDomain))
	return s, nil
}

// Close releases the page and browser. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NavigationTimeout)
		defer cancel()

		var errs []error
		if s.page != nil {
			errs = append(errs, s.page.Context(ctx).Close())
		}
		if s.browser != nil {
			errs = append(errs, s.browser.Context(ctx).Close())
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil && s.process != nil {
			s.process.Kill()
		}
	})
	return s.closeErr
}

// Page returns the underlying rod page
func (s *Session) Page() *rod.Page {
	return s.page
}

// BaseDomain returns the host of the URL the session was started on.
func (s *Session) BaseDomain() string {
	return s.baseDomain
}

// CurrentURL returns the page's current location, or "" when the browser
// does not answer within the navigation timeout.
func (s *Session) CurrentURL() string {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.NavigationTimeout)
	defer cancel()

	info, err := s.page.Context(ctx).Info()
	if err != nil {
		s.logger.Debug("Failed to read page info", zap.Error(err))
		return ""
	}
	return info.URL
}

// Navigate loads url and waits for the page to settle.
func (s *Session) Navigate(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()

	page := s.page.Context(ctx)
	if err := page.Navigate(target); err != nil {
		return fmt.Errorf("navigate to %s: %w", target, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", target, err)
	}
	s.waitIdle()
	return nil
}

// Render returns the current rendered markup once pending loads settle.
func (s *Session) Render(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()

	page := s.page.Context(ctx)
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	s.waitIdle()

	markup, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read markup: %w", err)
	}
	return markup, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()

	return s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// waitIdle waits for network idle, bounded so persistent connections
// (WebSockets, polling) cannot hang the caller.
func (s *Session) waitIdle() {
	s.page.Timeout(s.opts.IdleWait).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
}

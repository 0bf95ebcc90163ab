// Package browser drives a headless Chromium through playwright for
// capturing pages and following clicks.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/imaging"
	"github.com/crpwatch/crpwatch/internal/resilience"
)

// Config configures a Session.
type Config struct {
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	ScriptTimeout     time.Duration
	LoadDelay         time.Duration
	ClickDelay        time.Duration
	UserAgent         string
}

// DefaultConfig returns the settings used for investigations.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		NavigationTimeout: 60 * time.Second,
		ScriptTimeout:     30 * time.Second,
		LoadDelay:         3 * time.Second,
		ClickDelay:        2 * time.Second,
	}
}

// Session owns one browser and one page. It is not safe for concurrent
// investigations; create one Session per worker.
type Session struct {
	cfg    Config
	logger *zap.Logger
	sleep  resilience.Sleeper

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

// NewSession starts playwright and opens a page.
func NewSession(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		def := DefaultConfig()
		cfg.ViewportWidth, cfg.ViewportHeight = def.ViewportWidth, def.ViewportHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	s := &Session{cfg: cfg, logger: logger, sleep: resilience.SleepContext, pw: pw}
	if err := s.launch(); err != nil {
		pw.Stop()
		return nil, err
	}
	return s, nil
}

func (s *Session) launch() error {
	browser, err := s.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(s.cfg.Headless),
	})
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}

	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  s.cfg.ViewportWidth,
			Height: s.cfg.ViewportHeight,
		},
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if s.cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(s.cfg.UserAgent)
	}
	bctx, err := browser.NewContext(opts)
	if err != nil {
		browser.Close()
		return fmt.Errorf("creating browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return fmt.Errorf("creating page: %w", err)
	}
	if s.cfg.ScriptTimeout > 0 {
		page.SetDefaultTimeout(float64(s.cfg.ScriptTimeout.Milliseconds()))
	}
	if s.cfg.NavigationTimeout > 0 {
		page.SetDefaultNavigationTimeout(float64(s.cfg.NavigationTimeout.Milliseconds()))
	}

	s.browser, s.context, s.page = browser, bctx, page
	return nil
}

func (s *Session) teardown() {
	if s.page != nil {
		s.page.Close()
	}
	if s.context != nil {
		s.context.Close()
	}
	if s.browser != nil {
		s.browser.Close()
	}
	s.browser, s.context, s.page = nil, nil, nil
}

// Close releases the browser and stops playwright.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	if s.pw != nil {
		return s.pw.Stop()
	}
	return nil
}

// Reset replaces the browser with a fresh one.
func (s *Session) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("resetting browser session")
	s.teardown()
	return s.launch()
}

func (s *Session) current() (playwright.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil, errors.New("browser session is closed")
	}
	return s.page, nil
}

// Navigate loads url in the page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := s.current()
	if err != nil {
		return err
	}
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrNavigation, url, err)
	}
	return nil
}

// URL returns the page's current address.
func (s *Session) URL() string {
	page, err := s.current()
	if err != nil {
		return ""
	}
	return page.URL()
}

// ScrollToTop scrolls the page back to the origin.
func (s *Session) ScrollToTop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := s.current()
	if err != nil {
		return err
	}
	_, err = page.Evaluate("window.scrollTo(0, 0)")
	return err
}

// WindowSize returns the viewport size.
func (s *Session) WindowSize(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	page, err := s.current()
	if err != nil {
		return 0, 0, err
	}
	size := page.ViewportSize()
	if size == nil {
		return s.cfg.ViewportWidth, s.cfg.ViewportHeight, nil
	}
	return size.Width, size.Height, nil
}

// ClickableElements lists buttons, links, images and other clickable
// nodes of the current page, in that order, up to limit.
func (s *Session) ClickableElements(ctx context.Context, limit int) ([]domain.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := s.current()
	if err != nil {
		return nil, err
	}
	raw, err := page.Evaluate(clickableScript, limit)
	if err != nil {
		return nil, fmt.Errorf("listing clickable elements: %w", err)
	}
	return parseElements(raw, limit), nil
}

func (s *Session) locate(el domain.Element) (playwright.Locator, error) {
	page, err := s.current()
	if err != nil {
		return nil, err
	}
	return page.Locator("xpath=" + el.XPath).First(), nil
}

// Location returns the element's bounding box in viewport coordinates.
func (s *Session) Location(ctx context.Context, el domain.Element) (domain.Rect, error) {
	if err := ctx.Err(); err != nil {
		return domain.Rect{}, err
	}
	loc, err := s.locate(el)
	if err != nil {
		return domain.Rect{}, err
	}
	box, err := loc.BoundingBox()
	if err != nil {
		return domain.Rect{}, fmt.Errorf("%w: %s: %w", domain.ErrElementDetached, el.XPath, err)
	}
	if box == nil {
		return domain.Rect{}, fmt.Errorf("%w: %s", domain.ErrElementDetached, el.XPath)
	}
	return domain.Rect{X1: box.X, Y1: box.Y, X2: box.X + box.Width, Y2: box.Y + box.Height}, nil
}

// ElementScreenshot captures the element as PNG.
func (s *Session) ElementScreenshot(ctx context.Context, el domain.Element) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, err := s.locate(el)
	if err != nil {
		return nil, err
	}
	img, err := loc.Screenshot(playwright.LocatorScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrElementDetached, el.XPath, err)
	}
	return img, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := s.current()
	if err != nil {
		return nil, err
	}
	return page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
}

// Capture navigates to url, waits for the page to settle and saves its
// screenshot and HTML.
func (s *Session) Capture(ctx context.Context, url, shotPath, htmlPath string) (domain.PageSnapshot, error) {
	if err := s.Navigate(ctx, url); err != nil {
		return domain.PageSnapshot{}, err
	}
	if err := s.sleep(ctx, s.cfg.LoadDelay); err != nil {
		return domain.PageSnapshot{}, err
	}
	return s.Save(ctx, shotPath, htmlPath)
}

// Save writes the current page's screenshot and HTML to the given paths.
func (s *Session) Save(ctx context.Context, shotPath, htmlPath string) (domain.PageSnapshot, error) {
	shot, err := s.Screenshot(ctx)
	if err != nil {
		return domain.PageSnapshot{}, fmt.Errorf("taking screenshot: %w", err)
	}
	page, err := s.current()
	if err != nil {
		return domain.PageSnapshot{}, err
	}
	html, err := page.Content()
	if err != nil {
		return domain.PageSnapshot{}, fmt.Errorf("reading page source: %w", err)
	}

	if err := writeFile(shotPath, shot); err != nil {
		return domain.PageSnapshot{}, err
	}
	if err := writeFile(htmlPath, []byte(html)); err != nil {
		return domain.PageSnapshot{}, err
	}

	w, h, err := imaging.Size(shot)
	if err != nil {
		return domain.PageSnapshot{}, fmt.Errorf("decoding screenshot: %w", err)
	}
	return domain.PageSnapshot{
		URL:            page.URL(),
		ScreenshotPath: shotPath,
		HTMLPath:       htmlPath,
		ImageWidth:     w,
		ImageHeight:    h,
	}, nil
}

// ClickAndCapture reloads url, clicks el and saves the resulting page.
// The element is found again by its XPath because ranking may have left
// the page in another state.
func (s *Session) ClickAndCapture(ctx context.Context, url string, el domain.Element, shotPath, htmlPath string) (domain.PageSnapshot, error) {
	if err := s.Navigate(ctx, url); err != nil {
		return domain.PageSnapshot{}, err
	}
	if err := s.sleep(ctx, s.cfg.LoadDelay); err != nil {
		return domain.PageSnapshot{}, err
	}

	loc, err := s.locate(el)
	if err != nil {
		return domain.PageSnapshot{}, err
	}
	if err := loc.Click(); err != nil {
		return domain.PageSnapshot{}, fmt.Errorf("%w: %s: %w", domain.ErrClickFailed, el.XPath, err)
	}
	if err := s.sleep(ctx, s.cfg.ClickDelay); err != nil {
		return domain.PageSnapshot{}, err
	}

	snap, err := s.Save(ctx, shotPath, htmlPath)
	if err != nil {
		return domain.PageSnapshot{}, err
	}
	s.logger.Debug("clicked element",
		zap.String("xpath", el.XPath),
		zap.String("from", url),
		zap.String("to", snap.URL),
	)
	return snap, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

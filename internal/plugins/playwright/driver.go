// Package playwright drives a Chromium page through Playwright.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
)

const (
	installTimeout = 5 * time.Minute
	defaultTimeout = 30 * time.Second
)

// Driver implements automation.Driver with playwright-go. Playwright calls are
// not context aware, so the caller's deadline is translated into per-call timeouts.
type Driver struct {
	logger *zap.Logger
	// install downloads the browser on first start. Disabled with SkipInstall.
	install bool

	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
}

var _ automation.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// SkipInstall starts Playwright without running the browser installer.
func SkipInstall() Option {
	return func(d *Driver) { d.install = false }
}

func NewDriver(logger *zap.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{logger: logger, install: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// timeoutMillis converts the remaining time on ctx into Playwright's millisecond timeout.
func timeoutMillis(ctx context.Context) *float64 {
	remaining := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
	}
	return playwright.Float(float64(remaining.Milliseconds()))
}

// selectorFor rewrites selectors into Playwright's engine syntax.
func selectorFor(selector string) string {
	if automation.IsXPath(selector) {
		return "xpath=" + automation.StripXPathPrefix(selector)
	}
	return selector
}

func (d *Driver) Start(ctx context.Context, opts automation.Options) error {
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if d.install {
		if err := d.ensureInstallation(ctx, runOpts); err != nil {
			return err
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright driver: %w", err)
	}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
		Timeout:  timeoutMillis(ctx),
	}
	if opts.ExecPath != "" {
		launch.ExecutablePath = playwright.String(opts.ExecPath)
	}
	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{}
	if opts.Width > 0 && opts.Height > 0 {
		ctxOpts.Viewport = &playwright.Size{Width: opts.Width, Height: opts.Height}
	}
	if opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		_ = pw.Stop()
		return fmt.Errorf("failed to create page: %w", err)
	}

	d.pw, d.browser, d.bctx, d.page = pw, browser, bctx, page
	d.logger.Debug("Playwright browser launched", zap.String("version", browser.Version()))
	return nil
}

func (d *Driver) ensureInstallation(ctx context.Context, opts *playwright.RunOptions) error {
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- playwright.Install(opts) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to install playwright browsers: %w", err)
		}
		return nil
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for playwright installation: %w", installCtx.Err())
	}
}

func (d *Driver) Stop(ctx context.Context) error {
	if d.pw == nil {
		return nil
	}
	var errs []error
	if d.bctx != nil {
		errs = append(errs, d.bctx.Close())
	}
	if d.browser != nil {
		errs = append(errs, d.browser.Close())
	}
	errs = append(errs, d.pw.Stop())
	d.pw, d.browser, d.bctx, d.page = nil, nil, nil, nil
	return errors.Join(errs...)
}

func (d *Driver) ready() error {
	if d.page == nil {
		return errors.New("browser not started")
	}
	return nil
}

// translate maps Playwright timeouts onto context.DeadlineExceeded.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   timeoutMillis(ctx),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return translate(err)
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	return d.page.URL(), nil
}

func (d *Driver) FindElement(ctx context.Context, selector string) (*automation.Element, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	handle, err := d.page.WaitForSelector(selectorFor(selector), playwright.PageWaitForSelectorOptions{
		Timeout: timeoutMillis(ctx),
		State:   playwright.WaitForSelectorStateAttached,
	})
	if errors.Is(err, playwright.ErrTimeout) || (err == nil && handle == nil) {
		return nil, automation.ErrElementNotFound
	}
	if err != nil {
		return nil, err
	}
	return describe(selector, handle), nil
}

// QueryElement looks selector up once without waiting.
func (d *Driver) QueryElement(ctx context.Context, selector string) (*automation.Element, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	handle, err := d.page.QuerySelector(selectorFor(selector))
	if err != nil {
		return nil, translate(err)
	}
	if handle == nil {
		return nil, automation.ErrElementNotFound
	}
	return describe(selector, handle), nil
}

func describe(selector string, handle playwright.ElementHandle) *automation.Element {
	el := &automation.Element{Selector: selector}
	if tag, err := handle.Evaluate("e => e.tagName.toLowerCase()"); err == nil {
		el.Tag, _ = tag.(string)
	}
	el.ID, _ = handle.GetAttribute("id")
	el.Class, _ = handle.GetAttribute("class")
	if text, err := handle.TextContent(); err == nil {
		el.Text = strings.TrimSpace(text)
	}
	if box, err := handle.BoundingBox(); err == nil && box != nil {
		el.X, el.Y, el.Width, el.Height = box.X, box.Y, box.Width, box.Height
	}
	return el
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	if err := d.ready(); err != nil {
		return err
	}
	return translate(d.page.Click(selectorFor(selector), playwright.PageClickOptions{Timeout: timeoutMillis(ctx)}))
}

func (d *Driver) ClickAt(ctx context.Context, x, y float64) error {
	if err := d.ready(); err != nil {
		return err
	}
	return translate(d.page.Mouse().Click(x, y))
}

func (d *Driver) Type(ctx context.Context, selector, text string) error {
	if err := d.ready(); err != nil {
		return err
	}
	return translate(d.page.Fill(selectorFor(selector), text, playwright.PageFillOptions{Timeout: timeoutMillis(ctx)}))
}

func (d *Driver) Text(ctx context.Context, selector string) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	text, err := d.page.TextContent(selectorFor(selector), playwright.PageTextContentOptions{Timeout: timeoutMillis(ctx)})
	return strings.TrimSpace(text), translate(err)
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	html, err := d.page.Content()
	return html, translate(err)
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	buf, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		Timeout: timeoutMillis(ctx),
		Type:    playwright.ScreenshotTypePng,
	})
	return buf, translate(err)
}

func (d *Driver) Evaluate(ctx context.Context, script string) (interface{}, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	res, err := d.page.Evaluate(script)
	return res, translate(err)
}

func (d *Driver) PressKey(ctx context.Context, key string) error {
	if err := d.ready(); err != nil {
		return err
	}
	return translate(d.page.Keyboard().Press(keyName(key)))
}

// keyName normalizes lower-case key names into Playwright's key identifiers.
func keyName(key string) string {
	switch strings.ToLower(key) {
	case "enter":
		return "Enter"
	case "escape", "esc":
		return "Escape"
	case "tab":
		return "Tab"
	case "backspace":
		return "Backspace"
	case "delete":
		return "Delete"
	case "arrowdown":
		return "ArrowDown"
	case "arrowup":
		return "ArrowUp"
	case "pagedown":
		return "PageDown"
	case "pageup":
		return "PageUp"
	}
	return key
}

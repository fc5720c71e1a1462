// Package chromium drives a Chrome/Chromium page over the DevTools protocol.
package chromium

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
)

// Driver implements automation.Driver on top of chromedp.
type Driver struct {
	logger *zap.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

var _ automation.Driver = (*Driver)(nil)

// NewDriver returns an unstarted driver.
func NewDriver(logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{logger: logger}
}

// allocatorOptions builds the exec allocator flags for opts.
func allocatorOptions(opts automation.Options) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.Width > 0 && opts.Height > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.Width, opts.Height))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	for _, arg := range opts.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		}
	}
	return allocOpts
}

// Start launches the browser and opens one tab.
func (d *Driver) Start(ctx context.Context, opts automation.Options) error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))

	d.allocCancel, d.tabCtx, d.tabCancel = allocCancel, tabCtx, tabCancel

	// The first Run on a fresh context starts the browser.
	if err := d.run(ctx, chromedp.Navigate("about:blank")); err != nil {
		d.shutdown()
		return err
	}
	return nil
}

// Stop closes the tab and terminates the browser process.
func (d *Driver) Stop(ctx context.Context) error {
	if d.tabCtx == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(d.tabCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("browser shutdown: %w", ctx.Err())
	}
	d.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Driver) shutdown() {
	if d.tabCancel != nil {
		d.tabCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	d.tabCtx, d.tabCancel, d.allocCancel = nil, nil, nil
}

// run executes actions on the tab, bounded by the caller's deadline and cancellation.
// Cancelling a context derived from the tab context aborts the actions without closing the tab.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	if d.tabCtx == nil {
		return errors.New("browser not started")
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(d.tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(d.tabCtx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && runCtx.Err() != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func queryBy(selector string) (string, chromedp.QueryOption) {
	if automation.IsXPath(selector) {
		return automation.StripXPathPrefix(selector), chromedp.BySearch
	}
	return selector, chromedp.ByQuery
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := d.run(ctx, chromedp.Location(&url))
	return url, err
}

// FindElement waits for the first node matching selector and reports its box.
func (d *Driver) FindElement(ctx context.Context, selector string) (*automation.Element, error) {
	return d.findElement(ctx, selector)
}

// QueryElement looks selector up once; an absent node is ErrElementNotFound straight away.
func (d *Driver) QueryElement(ctx context.Context, selector string) (*automation.Element, error) {
	return d.findElement(ctx, selector, chromedp.AtLeast(0))
}

func (d *Driver) findElement(ctx context.Context, selector string, opts ...chromedp.QueryOption) (*automation.Element, error) {
	sel, by := queryBy(selector)
	var nodes []*cdp.Node
	if err := d.run(ctx, chromedp.Nodes(sel, &nodes, append([]chromedp.QueryOption{by}, opts...)...)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, automation.ErrElementNotFound
		}
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, automation.ErrElementNotFound
	}
	node := nodes[0]
	el := &automation.Element{
		Selector: selector,
		Tag:      strings.ToLower(node.NodeName),
		ID:       node.AttributeValue("id"),
		Class:    node.AttributeValue("class"),
	}

	ids := []cdp.NodeID{node.NodeID}
	var box *dom.BoxModel
	if err := d.run(ctx, chromedp.Dimensions(ids, &box, chromedp.ByNodeID)); err == nil && box != nil {
		if len(box.Border) >= 2 {
			el.X, el.Y = box.Border[0], box.Border[1]
		}
		el.Width, el.Height = float64(box.Width), float64(box.Height)
	}
	var text string
	if err := d.run(ctx, chromedp.Text(ids, &text, chromedp.ByNodeID)); err == nil {
		el.Text = strings.TrimSpace(text)
	}
	return el, nil
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	sel, by := queryBy(selector)
	return d.run(ctx, chromedp.Click(sel, by, chromedp.NodeVisible))
}

func (d *Driver) ClickAt(ctx context.Context, x, y float64) error {
	return d.run(ctx, chromedp.MouseClickXY(x, y))
}

func (d *Driver) Type(ctx context.Context, selector, text string) error {
	sel, by := queryBy(selector)
	return d.run(ctx, chromedp.SendKeys(sel, text, by, chromedp.NodeVisible))
}

func (d *Driver) Text(ctx context.Context, selector string) (string, error) {
	sel, by := queryBy(selector)
	var text string
	err := d.run(ctx, chromedp.Text(sel, &text, by))
	return strings.TrimSpace(text), err
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (d *Driver) Evaluate(ctx context.Context, script string) (interface{}, error) {
	var res interface{}
	err := d.run(ctx, chromedp.Evaluate(script, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	return res, err
}

var namedKeys = map[string]string{
	"enter":     kb.Enter,
	"escape":    kb.Escape,
	"esc":       kb.Escape,
	"tab":       kb.Tab,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"arrowdown": kb.ArrowDown,
	"arrowup":   kb.ArrowUp,
	"pagedown":  kb.PageDown,
	"pageup":    kb.PageUp,
}

func (d *Driver) PressKey(ctx context.Context, key string) error {
	if named, ok := namedKeys[strings.ToLower(key)]; ok {
		key = named
	}
	return d.run(ctx, chromedp.KeyEvent(key))
}

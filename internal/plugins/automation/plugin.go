package automation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/plugin"
)

// Plugin exposes a Driver through the plugin contract. Every action runs under
// a timeout chosen by category and scaled by the requested mode.
type Plugin struct {
	info     plugin.Info
	driver   Driver
	opts     Options
	timeouts mode.Timeouts
	modes    *mode.Table
	logger   *zap.Logger

	started bool
}

var _ plugin.Plugin = (*Plugin)(nil)

// NewPlugin wraps driver. opts are the launch defaults; Initialize may override them.
func NewPlugin(info plugin.Info, driver Driver, opts Options, timeouts mode.Timeouts, modes *mode.Table, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{
		info:     info,
		driver:   driver,
		opts:     opts,
		timeouts: timeouts,
		modes:    modes,
		logger:   logger,
	}
}

func (p *Plugin) Info() plugin.Info { return p.info }

// Initialize launches the browser. Recognized cfg keys: headless, exec_path,
// user_agent, width, height.
func (p *Plugin) Initialize(ctx context.Context, cfg map[string]interface{}) error {
	params := plugin.Params(cfg)
	opts := p.opts
	opts.Headless = params.BoolOr("headless", opts.Headless)
	opts.ExecPath = params.StringOr("exec_path", opts.ExecPath)
	opts.UserAgent = params.StringOr("user_agent", opts.UserAgent)
	opts.Width = params.IntOr("width", opts.Width)
	opts.Height = params.IntOr("height", opts.Height)

	startCtx, cancel := context.WithTimeout(ctx, p.timeouts.Scaled(mode.Navigation, p.preset("")))
	defer cancel()
	if err := p.driver.Start(startCtx, opts); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	p.started = true
	p.logger.Info("Browser started", zap.Bool("headless", opts.Headless))
	return nil
}

// Cleanup closes the browser if it was started.
func (p *Plugin) Cleanup(ctx context.Context) error {
	if !p.started {
		return nil
	}
	p.started = false
	return p.driver.Stop(ctx)
}

func (p *Plugin) preset(name string) mode.Preset {
	if p.modes == nil {
		return mode.Defaults[mode.Balanced]
	}
	preset, err := p.modes.Lookup(mode.Mode(name))
	if err != nil {
		p.logger.Warn("Unknown mode, using default", zap.String("mode", name))
		preset, _ = p.modes.Lookup("")
	}
	return preset
}

func categoryOf(action string) mode.Category {
	switch action {
	case ActionNavigate:
		return mode.Navigation
	case ActionFindElement, ActionClick, ActionType, ActionGetText:
		return mode.ElementWait
	default:
		return mode.Action
	}
}

// ExecuteAction dispatches one browser action. An optional "mode" param picks the
// timeout preset and an optional "timeout" param (seconds) overrides it.
// find_element waits for the selector unless "wait" is false.
func (p *Plugin) ExecuteAction(ctx context.Context, action string, raw map[string]interface{}) (map[string]interface{}, error) {
	params := plugin.Params(raw)
	if !p.started {
		return nil, fmt.Errorf("%w: browser not started", plugin.ErrNotReady)
	}

	timeout := p.timeouts.Scaled(categoryOf(action), p.preset(params.StringOr("mode", "")))
	timeout = params.DurationOr("timeout", timeout)
	if action == ActionWait {
		timeout += params.DurationOr("seconds", time.Second)
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := p.dispatch(opCtx, action, params)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		p.logger.Debug("Browser action timed out", zap.String("action", action), zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%s timed out after %v: %w", action, timeout, err)
	}
	return out, err
}

func (p *Plugin) dispatch(ctx context.Context, action string, params plugin.Params) (map[string]interface{}, error) {
	switch action {
	case ActionNavigate:
		url, err := params.String("url")
		if err != nil {
			return nil, err
		}
		if err := p.driver.Navigate(ctx, url); err != nil {
			return nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
		current, err := p.driver.CurrentURL(ctx)
		if err != nil {
			current = url
		}
		return map[string]interface{}{"url": current}, nil

	case ActionCurrentURL:
		current, err := p.driver.CurrentURL(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"url": current}, nil

	case ActionFindElement:
		selector, err := params.String("selector")
		if err != nil {
			return nil, err
		}
		find := p.driver.FindElement
		if !params.BoolOr("wait", true) {
			find = p.driver.QueryElement
		}
		el, err := find(ctx, selector)
		if errors.Is(err, ErrElementNotFound) || errors.Is(err, context.DeadlineExceeded) {
			return map[string]interface{}{"found": false, "selector": selector}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"found": true, "selector": selector, "element": el.Map()}, nil

	case ActionClick:
		selector, err := params.String("selector")
		if err != nil {
			return nil, err
		}
		if err := p.driver.Click(ctx, selector); err != nil {
			return nil, fmt.Errorf("click %s: %w", selector, err)
		}
		return map[string]interface{}{"clicked": selector}, nil

	case ActionClickAt:
		x, err := params.Float("x")
		if err != nil {
			return nil, err
		}
		y, err := params.Float("y")
		if err != nil {
			return nil, err
		}
		if err := p.driver.ClickAt(ctx, x, y); err != nil {
			return nil, fmt.Errorf("click at (%.0f,%.0f): %w", x, y, err)
		}
		return map[string]interface{}{"x": x, "y": y}, nil

	case ActionType:
		selector, err := params.String("selector")
		if err != nil {
			return nil, err
		}
		text, err := params.String("text")
		if err != nil {
			return nil, err
		}
		if err := p.driver.Type(ctx, selector, text); err != nil {
			return nil, fmt.Errorf("type into %s: %w", selector, err)
		}
		return map[string]interface{}{"typed": len(text)}, nil

	case ActionGetText:
		selector, err := params.String("selector")
		if err != nil {
			return nil, err
		}
		text, err := p.driver.Text(ctx, selector)
		if err != nil {
			return nil, fmt.Errorf("get text of %s: %w", selector, err)
		}
		return map[string]interface{}{"text": text}, nil

	case ActionPageSource:
		html, err := p.driver.PageSource(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"html": html}, nil

	case ActionScreenshot:
		img, err := p.driver.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"image": base64.StdEncoding.EncodeToString(img), "format": "png"}, nil

	case ActionEvaluate:
		script, err := params.String("script")
		if err != nil {
			return nil, err
		}
		res, err := p.driver.Evaluate(ctx, script)
		if err != nil {
			return nil, fmt.Errorf("evaluate: %w", err)
		}
		return map[string]interface{}{"result": res}, nil

	case ActionPressKey:
		key, err := params.String("key")
		if err != nil {
			return nil, err
		}
		if err := p.driver.PressKey(ctx, key); err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": key}, nil

	case ActionWait:
		d := params.DurationOr("seconds", time.Second)
		select {
		case <-time.After(d):
			return map[string]interface{}{"waited": d.Seconds()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, plugin.UnknownAction(p.info.ID, action)
}

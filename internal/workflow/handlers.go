package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/interruption"
	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/plugins/ocr"
	"github.com/xkilldash9x/autoflow/internal/recognition"
)

// Builtin step types.
const (
	StepPluginAction        = "plugin_action"
	StepNavigate            = "navigate"
	StepClick               = "click"
	StepType                = "type"
	StepExtractText         = "extract_text"
	StepRecognize           = "recognize"
	StepHandleInterruptions = "handle_interruptions"
	StepLearnPattern        = "learn_pattern"
	StepWait                = "wait"
	StepSetState            = "set_state"
)

// SettingIgnoreRecognitionErrors makes recognize steps succeed with a null
// element when nothing is recognized.
const SettingIgnoreRecognitionErrors = "ignore_recognition_errors"

// PluginRunner is the subset of the plugin registry the handlers use.
type PluginRunner interface {
	Initialize(ctx context.Context, id string, cfg map[string]interface{}) error
	Execute(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error)
}

// Recognizer locates elements for recognize steps.
type Recognizer interface {
	Recognize(ctx context.Context, target recognition.Target, strategies []string) (recognition.Result, error)
}

// Interruptions dismisses and learns interruptions.
type Interruptions interface {
	HandleInterruptions(ctx context.Context, currentURL string, m mode.Mode) (interruption.Report, error)
	LearnPattern(t interruption.Type, action interruption.Action, elementInfo map[string]interface{}, pageURL string) (interruption.Pattern, error)
}

// Dependencies are the collaborators the builtin handlers call.
type Dependencies struct {
	Plugins       PluginRunner
	Recognizer    Recognizer
	Interruptions Interruptions
	AutomationID  string
	OCRID         string
	DefaultMode   mode.Mode
}

// Builtins returns the standard step handlers.
func Builtins(deps Dependencies) map[string]Handler {
	b := &builtins{deps}
	return map[string]Handler{
		StepPluginAction:        b.pluginAction,
		StepNavigate:            b.navigate,
		StepClick:               b.click,
		StepType:                b.typeText,
		StepExtractText:         b.extractText,
		StepRecognize:           b.recognize,
		StepHandleInterruptions: b.handleInterruptions,
		StepLearnPattern:        b.learnPattern,
		StepWait:                wait,
		StepSetState:            setState,
	}
}

type builtins struct {
	deps Dependencies
}

func (b *builtins) exec(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error) {
	if b.deps.Plugins == nil {
		return nil, fmt.Errorf("no plugin registry available for %s.%s", id, action)
	}
	if err := b.deps.Plugins.Initialize(ctx, id, nil); err != nil {
		return nil, err
	}
	return b.deps.Plugins.Execute(ctx, id, action, params)
}

func (b *builtins) automation(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error) {
	return b.exec(ctx, b.deps.AutomationID, action, params)
}

// pluginAction calls any action on any plugin: {plugin, action, params}.
func (b *builtins) pluginAction(ctx context.Context, call Call) (map[string]interface{}, error) {
	id, err := call.Params.String("plugin")
	if err != nil {
		return nil, err
	}
	action, err := call.Params.String("action")
	if err != nil {
		return nil, err
	}
	params := call.Params.Map("params")
	if params == nil {
		params = map[string]interface{}{}
	}
	return b.exec(ctx, id, action, params)
}

func (b *builtins) navigate(ctx context.Context, call Call) (map[string]interface{}, error) {
	if _, err := call.Params.String("url"); err != nil {
		return nil, err
	}
	return b.automation(ctx, automation.ActionNavigate, call.Params)
}

// click takes a selector, or x and y page coordinates.
func (b *builtins) click(ctx context.Context, call Call) (map[string]interface{}, error) {
	if _, ok := call.Params["selector"]; ok {
		return b.automation(ctx, automation.ActionClick, call.Params)
	}
	if _, ok := call.Params["x"]; ok {
		return b.automation(ctx, automation.ActionClickAt, call.Params)
	}
	return nil, fmt.Errorf("%w: click needs \"selector\" or \"x\"/\"y\"", plugin.ErrInvalidParam)
}

func (b *builtins) typeText(ctx context.Context, call Call) (map[string]interface{}, error) {
	return b.automation(ctx, automation.ActionType, call.Params)
}

// extractText reads an element's text by selector, or the whole screen through OCR.
func (b *builtins) extractText(ctx context.Context, call Call) (map[string]interface{}, error) {
	if _, ok := call.Params["selector"]; ok {
		return b.automation(ctx, automation.ActionGetText, call.Params)
	}
	return b.exec(ctx, b.deps.OCRID, ocr.ActionExtractText, call.Params)
}

// recognize locates a target: {target: {type, description, context, attributes}, strategies: [...]}.
func (b *builtins) recognize(ctx context.Context, call Call) (map[string]interface{}, error) {
	if b.deps.Recognizer == nil {
		return nil, fmt.Errorf("no recognizer available")
	}
	raw := call.Params.Map("target")
	if raw == nil {
		raw = call.Params
	}
	target := recognition.TargetFromParams(raw)
	if target.Description == "" && len(target.Attributes) == 0 {
		return nil, fmt.Errorf("%w: recognize needs a target description or attributes", plugin.ErrInvalidParam)
	}

	res, err := b.deps.Recognizer.Recognize(ctx, target, call.Params.Strings("strategies"))
	if err != nil {
		ignore := call.Params.BoolOr(SettingIgnoreRecognitionErrors,
			plugin.Params(call.Settings).BoolOr(SettingIgnoreRecognitionErrors, false))
		if !ignore {
			return nil, err
		}
		if call.Logger != nil {
			call.Logger.Info("Target not recognized, continuing", zap.String("description", target.Description), zap.Error(err))
		}
		return map[string]interface{}{"recognized": false, "element": nil}, nil
	}

	out := map[string]interface{}{
		"recognized": true,
		"confidence": res.Confidence,
		"method":     res.Method,
		"element":    nil,
	}
	if res.Element != nil {
		out["element"] = res.Element.Map()
	}
	return out, nil
}

// handleInterruptions scans the page: {url?, mode?}. Without a url the
// browser's current location is used.
func (b *builtins) handleInterruptions(ctx context.Context, call Call) (map[string]interface{}, error) {
	if b.deps.Interruptions == nil {
		return nil, fmt.Errorf("no interruption resolver available")
	}
	pageURL, err := b.currentURL(ctx, call.Params)
	if err != nil {
		return nil, err
	}
	m := b.modeOf(call)
	report, err := b.deps.Interruptions.HandleInterruptions(ctx, pageURL, m)
	if err != nil {
		return nil, err
	}
	return report.Map(), nil
}

// learnPattern stores a pattern from a dismissed element: {type, action, element, url?}.
func (b *builtins) learnPattern(ctx context.Context, call Call) (map[string]interface{}, error) {
	if b.deps.Interruptions == nil {
		return nil, fmt.Errorf("no interruption resolver available")
	}
	rawType, err := call.Params.String("type")
	if err != nil {
		return nil, err
	}
	t, ok := interruption.ParseType(rawType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown interruption type %q", plugin.ErrInvalidParam, rawType)
	}
	action, ok := interruption.ParseAction(call.Params.StringOr("action", string(interruption.ActionClose)))
	if !ok {
		return nil, fmt.Errorf("%w: unknown interruption action", plugin.ErrInvalidParam)
	}
	element := call.Params.Map("element")
	if element == nil {
		return nil, fmt.Errorf("%w: \"element\" is required", plugin.ErrInvalidParam)
	}
	pageURL, err := b.currentURL(ctx, call.Params)
	if err != nil {
		return nil, err
	}
	p, err := b.deps.Interruptions.LearnPattern(t, action, element, pageURL)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pattern_id": p.ID, "selectors": p.Selectors}, nil
}

func (b *builtins) currentURL(ctx context.Context, params plugin.Params) (string, error) {
	if u := params.StringOr("url", ""); u != "" {
		return u, nil
	}
	out, err := b.automation(ctx, automation.ActionCurrentURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read current url: %w", err)
	}
	return plugin.Params(out).String("url")
}

// modeOf picks the step's mode, then the workflow's, then the engine default.
func (b *builtins) modeOf(call Call) mode.Mode {
	if m := call.Params.StringOr("mode", ""); m != "" {
		return mode.Mode(m)
	}
	if m := plugin.Params(call.Settings).StringOr("mode", ""); m != "" {
		return mode.Mode(m)
	}
	return b.deps.DefaultMode
}

// wait sleeps for {seconds} (or a Go duration string).
func wait(ctx context.Context, call Call) (map[string]interface{}, error) {
	d := call.Params.DurationOr("seconds", 0)
	if err := sleep(ctx, d); err != nil {
		return nil, err
	}
	return map[string]interface{}{"waited": d.Seconds()}, nil
}

// setState publishes its params into workflow state.
func setState(ctx context.Context, call Call) (map[string]interface{}, error) {
	return copyMap(call.Params), nil
}

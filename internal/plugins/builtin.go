// Package plugins holds the registration table of the builtin capability plugins.
package plugins

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/plugins/chromium"
	"github.com/xkilldash9x/autoflow/internal/plugins/ocr"
	"github.com/xkilldash9x/autoflow/internal/plugins/playwright"
	"github.com/xkilldash9x/autoflow/internal/plugins/selector"
	"github.com/xkilldash9x/autoflow/internal/plugins/template"
)

// Location is the table key of the builtin plugins.
const Location = "builtin"

// Builtin plugin ids other than the automation backend, whose id comes from
// config.BrowserConfig.PluginID.
const (
	SelectorID = "selector"
	TemplateID = "template"
	OCRID      = "ocr"
)

const version = "1.0.0"

// Table builds the registration table for cfg. Only the configured browser
// backend is registered so that initializing everything launches one browser.
func Table(cfg config.Interface) plugin.Table {
	browser := cfg.Browser()
	autoID := browser.PluginID()
	opts := automation.OptionsFromConfig(browser)
	timeouts := mode.TimeoutsFromConfig(browser.Timeouts)
	modes := mode.NewTable(cfg.Interruption().Modes, cfg.Engine().DefaultMode)

	automationInfo := plugin.Info{
		ID:          autoID,
		Name:        "Chromium browser",
		Description: "Drives Chrome/Chromium over the DevTools protocol.",
		Version:     version,
		Type:        plugin.Automation,
		Priority:    100,
	}
	newDriver := func(logger *zap.Logger) automation.Driver { return chromium.NewDriver(logger) }
	if autoID == "playwright" {
		automationInfo.Name = "Playwright browser"
		automationInfo.Description = "Drives Chromium through Playwright."
		newDriver = func(logger *zap.Logger) automation.Driver { return playwright.NewDriver(logger) }
	}

	ocrCfg := cfg.OCR()
	newEngine := func() ocr.Engine {
		if ocrCfg.Backend == "gemini" {
			return ocr.NewGemini(ocrCfg.GeminiAPIKey, ocrCfg.GeminiModel)
		}
		return ocr.NewTesseract(ocrCfg.TesseractPath, ocrCfg.Language)
	}

	selectorInfo := plugin.Info{
		ID:           SelectorID,
		Name:         "Selector recognition",
		Description:  "Scores page elements by id, name, label and text.",
		Version:      version,
		Type:         plugin.Recognition,
		Priority:     30,
		Dependencies: []string{autoID},
	}
	templateInfo := plugin.Info{
		ID:           TemplateID,
		Name:         "Template recognition",
		Description:  "Matches reference images against the page screenshot.",
		Version:      version,
		Type:         plugin.Recognition,
		Priority:     20,
		Dependencies: []string{autoID},
	}
	ocrInfo := plugin.Info{
		ID:           OCRID,
		Name:         "OCR recognition",
		Description:  "Reads on-screen text with " + ocrCfg.Backend + ".",
		Version:      version,
		Type:         plugin.Recognition,
		Priority:     10,
		Dependencies: []string{autoID},
	}

	return plugin.Table{
		Location: {
			{
				Info: automationInfo,
				New: func(_ plugin.Host, logger *zap.Logger) plugin.Plugin {
					return automation.NewPlugin(automationInfo, newDriver(logger), opts, timeouts, modes, logger)
				},
			},
			{
				Info: selectorInfo,
				New: func(host plugin.Host, logger *zap.Logger) plugin.Plugin {
					return selector.NewPlugin(selectorInfo, host, autoID, logger)
				},
			},
			{
				Info: templateInfo,
				New: func(host plugin.Host, logger *zap.Logger) plugin.Plugin {
					return template.NewPlugin(templateInfo, host, autoID, logger)
				},
			},
			{
				Info: ocrInfo,
				New: func(host plugin.Host, logger *zap.Logger) plugin.Plugin {
					return ocr.NewPlugin(ocrInfo, host, autoID, newEngine(), logger)
				},
			},
		},
	}
}

package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/plugin"
)

func TestTable(t *testing.T) {
	cfg := config.NewDefaultConfig()
	reg := plugin.NewRegistry(zaptest.NewLogger(t))

	n := reg.Discover(Table(cfg), Location)
	assert.Equal(t, 4, n)

	auto := reg.GetByType(plugin.Automation)
	require.Len(t, auto, 1)
	assert.Equal(t, "chromium", auto[0].Info.ID)

	recognizers := reg.GetByType(plugin.Recognition)
	ids := make([]string, 0, len(recognizers))
	for _, h := range recognizers {
		ids = append(ids, h.Info.ID)
		assert.Equal(t, []string{"chromium"}, h.Info.Dependencies)
	}
	// Priority order: selector, template, ocr.
	assert.Equal(t, []string{SelectorID, TemplateID, OCRID}, ids)
}

func TestTablePlaywrightBackend(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.Backend = "playwright"

	table := Table(cfg)
	descs := table[Location]
	require.NotEmpty(t, descs)
	assert.Equal(t, "playwright", descs[0].Info.ID)
	assert.Equal(t, "Playwright browser", descs[0].Info.Name)
	for _, d := range descs[1:] {
		assert.Equal(t, []string{"playwright"}, d.Info.Dependencies)
	}
}

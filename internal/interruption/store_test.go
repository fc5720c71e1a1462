package interruption

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func cookiePattern(id string, priority int, selectors ...string) Pattern {
	return Pattern{ID: id, Type: TypeCookie, Action: ActionAccept, Selectors: selectors, Priority: priority}
}

func TestPatternStoreSeedsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	s := NewPatternStore(path, zaptest.NewLogger(t))

	all := s.All()
	require.Len(t, all, len(DefaultPatterns()))
	assert.Equal(t, "default_cookie_accept", all[0].ID, "higher priority first")
	assert.Contains(t, all[1].Selectors, `[data-dismiss="modal"]`)

	_, err := os.Stat(path)
	assert.NoError(t, err, "defaults are written on first load")
}

func TestPatternStorePersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.json")
	s := NewPatternStore(path, zaptest.NewLogger(t))

	require.NoError(t, s.Add(cookiePattern("cookie_x", 9, "#x")))
	s.RecordSuccess("cookie_x", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.True(t, s.Remove("default_popup_close"))
	assert.False(t, s.Remove("missing"))

	reloaded := NewPatternStore(path, zaptest.NewLogger(t))
	got, ok := reloaded.Get("cookie_x")
	require.True(t, ok)
	assert.Equal(t, 1, got.SuccessCount)
	require.NotNil(t, got.LastSuccess)
	assert.True(t, got.LastSuccess.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	_, ok = reloaded.Get("default_popup_close")
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestPatternStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	core, logs := observer.New(zapcore.ErrorLevel)
	s := NewPatternStore(path, zap.New(core))

	assert.Len(t, s.All(), len(DefaultPatterns()))
	entries := logs.FilterMessage("Pattern file unreadable, using defaults").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "failed to load")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data), "a corrupt file is not overwritten on load")
}

func TestPatternValidate(t *testing.T) {
	tests := []struct {
		name    string
		pattern Pattern
		wantErr string
	}{
		{"missing id", Pattern{Type: TypeCookie, Action: ActionAccept, Selectors: []string{"#a"}}, "id is required"},
		{"bad type", Pattern{ID: "a", Type: "banner", Action: ActionAccept, Selectors: []string{"#a"}}, "unknown type"},
		{"bad action", Pattern{ID: "a", Type: TypeAd, Action: "smash", Selectors: []string{"#a"}}, "unknown action"},
		{"custom without script", Pattern{ID: "a", Type: TypeAd, Action: ActionCustom, Selectors: []string{"#a"}}, "custom_action"},
		{"no detectors", Pattern{ID: "a", Type: TypeAd, Action: ActionClose}, "at least one"},
		{"bad regex", Pattern{ID: "a", Type: TypeAd, Action: ActionClose, OCRPatterns: []string{"("}}, "invalid regular expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.pattern.Validate(), tt.wantErr)
		})
	}
	assert.NoError(t, cookiePattern("ok", 1, "#ok").Validate())
}

func TestPatternStoreWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	s := NewPatternStore(path, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	external := []Pattern{cookiePattern("from_disk", 1, "#disk")}
	assert.Eventually(t, func() bool {
		if _, ok := s.Get("from_disk"); ok {
			return true
		}
		_ = writeJSONAtomic(path, external)
		return false
	}, 5*time.Second, 400*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestPolicyStoreListsAreExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	s := NewPolicyStore(path, zaptest.NewLogger(t))

	require.NoError(t, s.AddToBlacklist("Example.com", TypeLogin))
	require.NoError(t, s.AddToWhitelist("example.com", TypeLogin))
	require.NoError(t, s.AddToWhitelist("example.com", TypeLogin))

	p, ok := s.Policy("example.com")
	require.True(t, ok)
	assert.Equal(t, []Type{TypeLogin}, p.Whitelist)
	assert.Empty(t, p.Blacklist)

	assert.Error(t, s.AddToBlacklist("example.com", "banner"))
	assert.Error(t, s.AddToWhitelist("", TypeAd))

	reloaded := NewPolicyStore(path, zaptest.NewLogger(t))
	p, ok = reloaded.Policy("example.com")
	require.True(t, ok)
	assert.Equal(t, "example.com", p.Domain)
	assert.Equal(t, []Type{TypeLogin}, p.Whitelist)
}

func TestPolicyStoreGlobs(t *testing.T) {
	s := NewPolicyStore("", zaptest.NewLogger(t))
	require.NoError(t, s.AddToWhitelist("*.example.com", TypeAd))
	require.NoError(t, s.AddToWhitelist("*.shop.example.com", TypePopup))
	require.NoError(t, s.AddToWhitelist("shop.example.com", TypeSurvey))

	p, ok := s.Policy("news.example.com")
	require.True(t, ok)
	assert.Equal(t, "*.example.com", p.Domain)

	p, ok = s.Policy("eu.shop.example.com")
	require.True(t, ok)
	assert.Equal(t, "*.shop.example.com", p.Domain, "the most specific glob wins")

	p, ok = s.Policy("shop.example.com")
	require.True(t, ok)
	assert.Equal(t, "shop.example.com", p.Domain, "an exact key beats any glob")

	_, ok = s.Policy("example.org")
	assert.False(t, ok)

	assert.True(t, s.Remove("*.example.com"))
	_, ok = s.Policy("news.example.com")
	assert.False(t, ok)
}

func TestPolicyStoreCustomPatterns(t *testing.T) {
	s := NewPolicyStore("", zaptest.NewLogger(t))
	require.NoError(t, s.AddCustomPattern("example.com", "p1"))
	require.NoError(t, s.AddCustomPattern("example.com", "p1"))
	p, _ := s.Policy("example.com")
	assert.Equal(t, []string{"p1"}, p.CustomPatterns)
	assert.Len(t, s.All(), 1)
}

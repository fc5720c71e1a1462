// Package mode defines the named speed/accuracy presets shared by the
// interruption resolver and the automation plugins, and the timeout
// categories those presets scale.
package mode

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/autoflow/internal/config"
)

// Mode names a preset.
type Mode string

const (
	Speed    Mode = "speed"
	Balanced Mode = "balanced"
	Accuracy Mode = "accuracy"
)

// Preset bounds how hard a mode tries.
type Preset struct {
	MaxWait           time.Duration
	MaxRetries        int
	TimeoutMultiplier float64
}

// Category classifies a timeout.
type Category int

const (
	Navigation Category = iota
	ElementWait
	Action
)

func (c Category) String() string {
	switch c {
	case Navigation:
		return "navigation"
	case ElementWait:
		return "element_wait"
	default:
		return "action"
	}
}

// Defaults mirror the configuration defaults and are used when no config is supplied.
var Defaults = map[Mode]Preset{
	Speed:    {MaxWait: time.Second, MaxRetries: 1, TimeoutMultiplier: 0.5},
	Balanced: {MaxWait: 3 * time.Second, MaxRetries: 2, TimeoutMultiplier: 1.0},
	Accuracy: {MaxWait: 5 * time.Second, MaxRetries: 3, TimeoutMultiplier: 2.0},
}

// Table resolves mode names to presets.
type Table struct {
	presets  map[Mode]Preset
	fallback Mode
}

// NewTable builds a Table from configured modes, filling gaps from Defaults.
func NewTable(modes map[string]config.ModeConfig, fallback string) *Table {
	t := &Table{presets: make(map[Mode]Preset, len(Defaults)), fallback: Mode(fallback)}
	for m, p := range Defaults {
		t.presets[m] = p
	}
	for name, mc := range modes {
		t.presets[Mode(name)] = Preset{
			MaxWait:           mc.MaxWait,
			MaxRetries:        mc.MaxRetries,
			TimeoutMultiplier: mc.TimeoutMultiplier,
		}
	}
	if _, ok := t.presets[t.fallback]; !ok {
		t.fallback = Balanced
	}
	return t
}

// Lookup returns the preset for m, or an error for an unknown name.
func (t *Table) Lookup(m Mode) (Preset, error) {
	if m == "" {
		m = t.fallback
	}
	p, ok := t.presets[m]
	if !ok {
		return Preset{}, fmt.Errorf("unknown mode %q", m)
	}
	return p, nil
}

// Default returns the fallback mode name.
func (t *Table) Default() Mode { return t.fallback }

// Timeouts holds the unscaled base timeout per category.
type Timeouts struct {
	Navigation  time.Duration
	ElementWait time.Duration
	Action      time.Duration
}

// TimeoutsFromConfig converts the browser timeout section.
func TimeoutsFromConfig(c config.TimeoutsConfig) Timeouts {
	return Timeouts{Navigation: c.Navigation, ElementWait: c.Element, Action: c.Action}
}

// Scaled returns the base timeout for cat multiplied by the preset's multiplier.
func (t Timeouts) Scaled(cat Category, p Preset) time.Duration {
	var base time.Duration
	switch cat {
	case Navigation:
		base = t.Navigation
	case ElementWait:
		base = t.ElementWait
	default:
		base = t.Action
	}
	mult := p.TimeoutMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(base) * mult)
}

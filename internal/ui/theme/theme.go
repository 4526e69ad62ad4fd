// Package theme holds the colors used to render session state and
// notifications in the terminal.
package theme

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"
)

// Theme represents a complete color theme
type Theme struct {
	Name        string        `toml:"name"`
	Description string        `toml:"description"`
	Colors      ColorsConfig  `toml:"colors"`
	Session     SessionConfig `toml:"session"`
}

// ColorsConfig contains the base color palette
type ColorsConfig struct {
	Primary string `toml:"primary"`
	Muted   string `toml:"muted"`
	Border  string `toml:"border"`
	Error   string `toml:"error"`
	Warning string `toml:"warning"`
	Success string `toml:"success"`
}

// SessionConfig colors each session state
type SessionConfig struct {
	Plaintext   string `toml:"plaintext"`
	Negotiating string `toml:"negotiating"`
	Encrypted   string `toml:"encrypted"`
	Finished    string `toml:"finished"`
	Verified    string `toml:"verified"`
}

// Styles contains the compiled lipgloss styles for a theme
type Styles struct {
	Header      lipgloss.Style
	Nick        lipgloss.Style
	Muted       lipgloss.Style
	Box         lipgloss.Style
	Error       lipgloss.Style
	Warning     lipgloss.Style
	Success     lipgloss.Style
	Fingerprint lipgloss.Style

	Plaintext   lipgloss.Style
	Negotiating lipgloss.Style
	Encrypted   lipgloss.Style
	Finished    lipgloss.Style
	Verified    lipgloss.Style
}

// DefaultTheme works on dark and light terminals alike
func DefaultTheme() *Theme {
	return &Theme{
		Name:        "default",
		Description: "ANSI colors",
		Colors: ColorsConfig{
			Primary: "12",
			Muted:   "8",
			Border:  "8",
			Error:   "9",
			Warning: "11",
			Success: "10",
		},
		Session: SessionConfig{
			Plaintext:   "8",
			Negotiating: "11",
			Encrypted:   "10",
			Finished:    "13",
			Verified:    "14",
		},
	}
}

// NordTheme uses the Nord palette
func NordTheme() *Theme {
	return &Theme{
		Name:        "nord",
		Description: "Arctic, north-bluish palette",
		Colors: ColorsConfig{
			Primary: "#88C0D0",
			Muted:   "#4C566A",
			Border:  "#434C5E",
			Error:   "#BF616A",
			Warning: "#EBCB8B",
			Success: "#A3BE8C",
		},
		Session: SessionConfig{
			Plaintext:   "#4C566A",
			Negotiating: "#EBCB8B",
			Encrypted:   "#A3BE8C",
			Finished:    "#B48EAD",
			Verified:    "#8FBCBB",
		},
	}
}

// Manager handles theme loading and switching
type Manager struct {
	themes      map[string]*Theme
	current     *Theme
	currentName string
	styles      *Styles
	themeDirs   []string
}

// NewManager creates a new theme manager
func NewManager(themeDirs ...string) *Manager {
	m := &Manager{
		themes: map[string]*Theme{
			"default": DefaultTheme(),
			"nord":    NordTheme(),
		},
		themeDirs: themeDirs,
	}
	m.current = m.themes["default"]
	m.currentName = "default"
	m.styles = compileStyles(m.current)
	return m
}

// LoadTheme loads a theme from a TOML file in one of the theme directories.
// Unset colors fall back to the default theme.
func (m *Manager) LoadTheme(name string) error {
	for _, dir := range m.themeDirs {
		path := filepath.Join(dir, name+".toml")
		if _, err := os.Stat(path); err == nil {
			theme := DefaultTheme()
			if _, err := toml.DecodeFile(path, theme); err != nil {
				return fmt.Errorf("failed to parse theme file %s: %w", path, err)
			}
			theme.Name = name
			m.themes[name] = theme
			return nil
		}
	}
	return fmt.Errorf("theme %s not found", name)
}

// SetTheme switches to a different theme
func (m *Manager) SetTheme(name string) error {
	theme, ok := m.themes[name]
	if !ok {
		if err := m.LoadTheme(name); err != nil {
			return err
		}
		theme = m.themes[name]
	}
	m.current = theme
	m.currentName = name
	m.styles = compileStyles(theme)
	return nil
}

// Current returns the current theme
func (m *Manager) Current() *Theme {
	return m.current
}

// CurrentName returns the current theme name
func (m *Manager) CurrentName() string {
	return m.currentName
}

// Styles returns the compiled styles for the current theme
func (m *Manager) Styles() *Styles {
	return m.styles
}

// AvailableThemes returns the loaded theme names, sorted
func (m *Manager) AvailableThemes() []string {
	names := make([]string, 0, len(m.themes))
	for name := range m.themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compileStyles(t *Theme) *Styles {
	fg := func(c string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(c))
	}

	s := &Styles{}

	s.Header = fg(t.Colors.Primary).Bold(true)
	s.Nick = fg(t.Colors.Primary)
	s.Muted = fg(t.Colors.Muted)
	s.Box = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(t.Colors.Border)).
		Padding(0, 1)
	s.Error = fg(t.Colors.Error).Bold(true)
	s.Warning = fg(t.Colors.Warning)
	s.Success = fg(t.Colors.Success)
	s.Fingerprint = fg(t.Colors.Primary)

	// Session state badges
	badge := func(c string) lipgloss.Style {
		return fg(c).Bold(true).Padding(0, 1)
	}
	s.Plaintext = badge(t.Session.Plaintext)
	s.Negotiating = badge(t.Session.Negotiating)
	s.Encrypted = badge(t.Session.Encrypted)
	s.Finished = badge(t.Session.Finished)
	s.Verified = badge(t.Session.Verified)

	return s
}

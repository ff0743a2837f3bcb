package refine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Theme is the visual style injected into every generated scene: the canvas
// background, default text color, and the palette the implementer is told to
// draw object colors from.
type Theme struct {
	Name       string   `yaml:"name"`
	Background string   `yaml:"background"`
	TextColor  string   `yaml:"text_color"`
	Accent     string   `yaml:"accent"`
	FontFamily string   `yaml:"font_family"`
	Palette    []string `yaml:"palette"`
}

func DefaultTheme() Theme {
	return Theme{
		Name:       "lectern-dark",
		Background: "#0f1116",
		TextColor:  "#e8eaed",
		Accent:     "#58a6ff",
		FontFamily: "sans-serif",
		Palette:    []string{"#58a6ff", "#f78166", "#7ee787", "#d2a8ff", "#ffa657"},
	}
}

// LoadTheme reads a YAML theme file over the defaults, so partial files only
// override the keys they name. An empty path returns the defaults.
func LoadTheme(path string) (Theme, error) {
	theme := DefaultTheme()
	path = strings.TrimSpace(path)
	if path == "" {
		return theme, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return theme, fmt.Errorf("read theme file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &theme); err != nil {
		return theme, fmt.Errorf("parse theme file: %w", err)
	}
	if strings.TrimSpace(theme.Background) == "" {
		theme.Background = DefaultTheme().Background
	}
	return theme, nil
}

// PaletteLine renders the palette for prompt interpolation.
func (t Theme) PaletteLine() string {
	if len(t.Palette) == 0 {
		return t.Accent
	}
	return strings.Join(t.Palette, ", ")
}

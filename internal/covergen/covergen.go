package covergen

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"image/color"
	"image/jpeg"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/google/renameio/v2"
	"golang.org/x/image/font"

	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/utils"
)

const jpegQuality = 90

// Style carries the colors a title card is drawn with. Callers usually map
// the animation theme into it so the card matches the video it stands in for.
type Style struct {
	Background string
	TextColor  string
	Accent     string
	Palette    []string
}

func DefaultStyle() Style {
	return Style{
		Background: "#0f1116",
		TextColor:  "#e8eaed",
		Accent:     "#58a6ff",
		Palette:    []string{"#58a6ff", "#f78166", "#7ee787", "#d2a8ff", "#ffa657"},
	}
}

// Generator renders title-card JPEGs. It is the thumbnail of last resort:
// when no frame can be pulled from the final video, the card carries the
// video title over a palette gradient instead.
type Generator struct {
	log   *logger.Logger
	style Style
	font  *truetype.Font
}

// New loads the optional COVER_FONT truetype file. A missing or unreadable
// font is not fatal; rendering falls back to the built-in face.
func New(log *logger.Logger, style Style) *Generator {
	genLog := log.With("service", "CoverGenerator")

	g := &Generator{log: genLog, style: style}
	fontPath := strings.TrimSpace(utils.GetEnv("COVER_FONT", "", genLog))
	if fontPath == "" {
		return g
	}
	parsed, err := loadFont(fontPath)
	if err != nil {
		genLog.Warn("could not load cover font, using built-in face", "font", fontPath, "error", err)
		return g
	}
	genLog.Info("Loaded cover font", "font", fontPath)
	g.font = parsed
	return g
}

// Render draws a width x height title card and returns it JPEG-encoded.
func (g *Generator) Render(title string, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid card size %dx%d", width, height)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Lectern"
	}

	dc := gg.NewContext(width, height)

	w, h := float64(width), float64(height)
	base := g.pickColor(g.style.Background, color.NRGBA{R: 0x0f, G: 0x11, B: 0x16, A: 0xff})
	tint := g.paletteColor(title)

	grad := gg.NewLinearGradient(0, 0, w, h)
	grad.AddColorStop(0, base)
	grad.AddColorStop(1, blend(base, tint, 0.35))
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, w, h)
	dc.Fill()

	// Accent bar along the bottom edge.
	accent := g.pickColor(g.style.Accent, tint)
	dc.SetColor(accent)
	dc.DrawRectangle(0, h-h*0.04, w, h*0.04)
	dc.Fill()

	if g.font != nil {
		dc.SetFontFace(truetype.NewFace(g.font, &truetype.Options{
			Size:    h / 10,
			DPI:     72,
			Hinting: font.HintingNone,
		}))
	}
	dc.SetColor(g.pickColor(g.style.TextColor, color.NRGBA{R: 0xe8, G: 0xea, B: 0xed, A: 0xff}))
	dc.DrawStringWrapped(title, w/2, h/2, 0.5, 0.5, w*0.8, 1.4, gg.AlignCenter)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode title card: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteJPEG renders the card and writes it to path atomically.
func (g *Generator) WriteJPEG(path, title string, width, height int) error {
	data, err := g.Render(title, width, height)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write title card: %w", err)
	}
	g.log.Info("title card written", "path", path, "title", title)
	return nil
}

// paletteColor picks a stable palette entry for the title, so re-renders of
// the same video get the same card.
func (g *Generator) paletteColor(title string) color.NRGBA {
	fallback := color.NRGBA{R: 0x58, G: 0xa6, B: 0xff, A: 0xff}
	if len(g.style.Palette) == 0 {
		return g.pickColor(g.style.Accent, fallback)
	}
	h := fnv.New32a()
	h.Write([]byte(title))
	hex := g.style.Palette[int(h.Sum32())%len(g.style.Palette)]
	return g.pickColor(hex, fallback)
}

func (g *Generator) pickColor(hexStr string, fallback color.NRGBA) color.NRGBA {
	c, err := parseHexColor(hexStr)
	if err != nil {
		return fallback
	}
	return c
}

func parseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("expected 6 hex chars, got %q", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	return color.NRGBA{R: raw[0], G: raw[1], B: raw[2], A: 0xff}, nil
}

func blend(a, b color.NRGBA, t float64) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x)*(1-t) + float64(y)*t)
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 0xff}
}

func loadFont(path string) (*truetype.Font, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font file: %w", err)
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse TTF: %w", err)
	}
	return parsed, nil
}

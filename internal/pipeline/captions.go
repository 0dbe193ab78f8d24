package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/clipforge/clipforge/internal/media"
)

// Caption layout for 9:16 output.
const (
	captionPlayResX = 1080
	captionPlayResY = 1920

	assWordsPerLine   = 6
	assMaxLines       = 2
	plainWordsPerLine = 8
)

// DefaultCaptionStyle is used when an export names no style.
const DefaultCaptionStyle = "forge_minimal"

// captionStyle is an ASS style preset. Colors are ASS &HAABBGGRR values.
type captionStyle struct {
	FontFamily     string
	FontSize       int
	PrimaryColor   string
	OutlineColor   string
	HighlightColor string
	OutlineWidth   int
	ShadowDepth    int
	Bold           bool
	Alignment      int
	MarginV        int
}

var captionStyles = map[string]captionStyle{
	"forge_minimal": {
		FontFamily:   "Inter",
		FontSize:     48,
		PrimaryColor: "&H00FFFFFF",
		OutlineColor: "&H00000000",
		OutlineWidth: 3,
		ShadowDepth:  2,
		Bold:         true,
		Alignment:    2,
		MarginV:      180,
	},
	"impact_modern": {
		FontFamily:   "Impact",
		FontSize:     56,
		PrimaryColor: "&H00FFFFFF",
		OutlineColor: "&H00000000",
		OutlineWidth: 4,
		ShadowDepth:  3,
		Bold:         false,
		Alignment:    2,
		MarginV:      200,
	},
	"neon_whisper": {
		FontFamily:   "Arial",
		FontSize:     44,
		PrimaryColor: "&H00FFFF00",
		OutlineColor: "&H00FF00FF",
		OutlineWidth: 2,
		ShadowDepth:  0,
		Bold:         true,
		Alignment:    2,
		MarginV:      180,
	},
}

// captionFiles renders the caption set for one clip: karaoke ASS in the
// given style plus plain SRT and VTT. Keys are file extensions.
func captionFiles(segments []media.TranscriptSegment, styleName string) map[string]string {
	return map[string]string{
		"ass": generateASS(segments, styleName),
		"srt": generateSRT(segments),
		"vtt": generateVTT(segments),
	}
}

// generateASS builds an ASS subtitle document with word-level karaoke
// timing where the transcript carries it.
func generateASS(segments []media.TranscriptSegment, styleName string) string {
	style, ok := captionStyles[styleName]
	if !ok {
		style = captionStyles[DefaultCaptionStyle]
	}

	highlight := style
	highlight.PrimaryColor = style.HighlightColor
	if highlight.PrimaryColor == "" {
		highlight.PrimaryColor = "&H0000FFFF"
	}

	lines := []string{
		"[Script Info]",
		"Title: Clipforge Captions",
		"ScriptType: v4.00+",
		"PlayResX: " + strconv.Itoa(captionPlayResX),
		"PlayResY: " + strconv.Itoa(captionPlayResY),
		"WrapStyle: 0",
		"",
		"[V4+ Styles]",
		"Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding",
		styleLine("Default", style),
		styleLine("Highlight", highlight),
		"",
		"[Events]",
		"Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text",
	}

	for _, seg := range segments {
		if len(seg.Words) > 0 {
			lines = append(lines, wordCaptionLines(seg)...)
		} else {
			lines = append(lines, phraseCaptionLines(seg)...)
		}
	}
	return strings.Join(lines, "\n")
}

func styleLine(name string, s captionStyle) string {
	bold := 0
	if s.Bold {
		bold = -1
	}
	return fmt.Sprintf("Style: %s,%s,%d,%s,&H000000FF,%s,&H80000000,%d,0,0,0,100,100,0,0,1,%d,%d,%d,20,20,%d,1",
		name, s.FontFamily, s.FontSize, s.PrimaryColor, s.OutlineColor,
		bold, s.OutlineWidth, s.ShadowDepth, s.Alignment, s.MarginV)
}

// wordCaptionLines emits karaoke dialogue lines: words grouped into display
// chunks, each word highlighted for its spoken duration, gaps between words
// burned as silent \k tags.
func wordCaptionLines(seg media.TranscriptSegment) []string {
	var lines []string

	for i := 0; i < len(seg.Words); i += assWordsPerLine {
		chunk := seg.Words[i:min(i+assWordsPerLine, len(seg.Words))]
		start := chunk[0].Start
		end := chunk[len(chunk)-1].End

		var parts []string
		prevEnd := start
		for _, w := range chunk {
			duration := int((w.End - w.Start) * 100)
			if gap := int((w.Start - prevEnd) * 100); gap > 0 {
				parts = append(parts, fmt.Sprintf(`{\k%d}`, gap))
			}
			parts = append(parts, fmt.Sprintf(`{\kf%d}%s`, duration, cleanCaptionWord(w.Word)))
			prevEnd = w.End
		}

		text := strings.ReplaceAll(strings.Join(parts, " "), "  ", " ")
		text = `{\fad(100,100)}` + text
		lines = append(lines, fmt.Sprintf("Dialogue: 0,%s,%s,Default,,0,0,0,,%s",
			formatASSTime(start), formatASSTime(end), text))
	}
	return lines
}

// phraseCaptionLines emits one dialogue line for a whole phrase, wrapped to
// at most two display lines.
func phraseCaptionLines(seg media.TranscriptSegment) []string {
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		return nil
	}

	wrapped := wrapWords(text, assWordsPerLine)
	if len(wrapped) > assMaxLines {
		wrapped = wrapped[:assMaxLines]
		wrapped[len(wrapped)-1] += "..."
	}

	display := `{\fad(150,150)}` + strings.Join(wrapped, `\N`)
	return []string{fmt.Sprintf("Dialogue: 0,%s,%s,Default,,0,0,0,,%s",
		formatASSTime(seg.Start), formatASSTime(seg.End), display)}
}

// generateSRT builds a plain SRT document, one cue per phrase.
func generateSRT(segments []media.TranscriptSegment) string {
	var lines []string
	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, strconv.Itoa(i+1))
		lines = append(lines, formatSRTTime(seg.Start)+" --> "+formatSRTTime(seg.End))
		lines = append(lines, wrapWords(text, plainWordsPerLine)...)
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// generateVTT builds a WebVTT document, one cue per phrase.
func generateVTT(segments []media.TranscriptSegment) string {
	lines := []string{"WEBVTT", ""}
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, formatVTTTime(seg.Start)+" --> "+formatVTTTime(seg.End))
		lines = append(lines, wrapWords(text, plainWordsPerLine)...)
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func wrapWords(text string, wordsPerLine int) []string {
	words := strings.Fields(text)
	var wrapped []string
	for i := 0; i < len(words); i += wordsPerLine {
		wrapped = append(wrapped, strings.Join(words[i:min(i+wordsPerLine, len(words))], " "))
	}
	return wrapped
}

// hexToASSColor converts #RRGGBB to the ASS &HAABBGGRR form.
func hexToASSColor(hex string) string {
	if hex == "" || hex == "transparent" {
		return "&H00000000"
	}

	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return "&H00FFFFFF"
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return "&H00FFFFFF"
	}

	r := (v >> 16) & 0xFF
	g := (v >> 8) & 0xFF
	b := v & 0xFF
	return fmt.Sprintf("&H00%02X%02X%02X", b, g, r)
}

// cleanCaptionWord escapes ASS control characters in a spoken word.
func cleanCaptionWord(word string) string {
	word = strings.TrimSpace(word)
	word = strings.ReplaceAll(word, `\`, `\\`)
	word = strings.ReplaceAll(word, "{", `\{`)
	word = strings.ReplaceAll(word, "}", `\}`)
	return word
}

// formatASSTime renders H:MM:SS.cc.
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := int(seconds / 3600)
	minutes := int(math.Mod(seconds, 3600) / 60)
	secs := math.Mod(seconds, 60)
	centis := int(math.Mod(secs, 1) * 100)
	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, int(secs), centis)
}

// formatSRTTime renders HH:MM:SS,mmm.
func formatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := int(seconds / 3600)
	minutes := int(math.Mod(seconds, 3600) / 60)
	secs := int(math.Mod(seconds, 60))
	millis := int(math.Mod(seconds, 1) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}

// formatVTTTime renders HH:MM:SS.mmm.
func formatVTTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := int(seconds / 3600)
	minutes := int(math.Mod(seconds, 3600) / 60)
	secs := int(math.Mod(seconds, 60))
	millis := int(math.Mod(seconds, 1) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, secs, millis)
}

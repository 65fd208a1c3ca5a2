package transcription

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"transcription-webhook-go/internal/types"
)

// Engine converts fetched audio into text.
type Engine interface {
	Transcribe(ctx context.Context, audio []byte) (*Transcript, error)
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcript struct {
	Text     string
	Language string
	Segments []Segment
}

// FormatMarkdown renders a transcript with its segments for human review.
func FormatMarkdown(t *Transcript, title string) string {
	if t == nil {
		return "Transcription failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Transcript: %s\n\n", title)
	fmt.Fprintf(&b, "**Language:** %s\n\n", t.Language)
	b.WriteString("## Full Transcription\n\n")
	b.WriteString(t.Text)
	b.WriteString("\n\n## Detailed Segments\n\n")
	for i, s := range t.Segments {
		fmt.Fprintf(&b, "**Segment %d** (%.2fs - %.2fs): %s\n\n", i+1, s.Start, s.End, s.Text)
	}
	return b.String()
}

var languageCodes = map[string]string{
	"english":    "en",
	"hindi":      "hi",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"portuguese": "pt",
	"italian":    "it",
	"japanese":   "ja",
	"chinese":    "zh",
	"tamil":      "ta",
	"telugu":     "te",
	"bengali":    "bn",
	"marathi":    "mr",
}

// normalizeLanguage maps engine language names to ISO 639-1 codes.
func normalizeLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if l == "" {
		return "unknown"
	}
	if code, ok := languageCodes[l]; ok {
		return code
	}
	return l
}

func statusError(code int, body string) error {
	msg := fmt.Sprintf("engine returned status %d: %s", code, truncate(body, 300))
	switch {
	case code == http.StatusTooManyRequests:
		return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindRateLimited, Transient: true, Message: msg}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindTimeout, Transient: true, Message: msg}
	case code >= 500:
		return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindUnavailable, Transient: true, Message: msg}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindForbidden, Message: msg}
	case code == http.StatusRequestEntityTooLarge:
		return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindTooLarge, Message: msg}
	case code == http.StatusNotFound:
		return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindNotFound, Message: msg}
	default:
		return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindUnsupported, Message: msg}
	}
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.Transient(types.KindTranscription, types.SubkindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return types.Permanent(types.KindTranscription, types.SubkindCanceled, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.Transient(types.KindTranscription, types.SubkindTimeout, err)
	}
	return types.Transient(types.KindTranscription, types.SubkindUnavailable, err)
}

func emptyAudio() error {
	return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindEmpty, Message: "no audio to transcribe"}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

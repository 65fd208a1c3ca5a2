package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"transcription-webhook-go/internal/types"
)

type WhisperConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// WhisperEngine talks to an OpenAI-compatible /audio/transcriptions endpoint.
type WhisperEngine struct {
	cfg    WhisperConfig
	client *http.Client
}

type whisperResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

func NewWhisperEngine(cfg WhisperConfig) *WhisperEngine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	client := cfg.HTTPClient
	if client == nil {
		// the pipeline's per-stage context bounds each call
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &WhisperEngine{cfg: cfg, client: client}
}

func (e *WhisperEngine) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, emptyAudio()
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "audio"+guessExtension(audio))
	if err != nil {
		return nil, types.Permanent(types.KindTranscription, types.SubkindMalformed, err)
	}
	part.Write(audio)
	w.WriteField("model", e.cfg.Model)
	w.WriteField("response_format", "verbose_json")
	if err := w.Close(); err != nil {
		return nil, types.Permanent(types.KindTranscription, types.SubkindMalformed, err)
	}

	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, types.Permanent(types.KindTranscription, types.SubkindMalformed, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, string(raw))
	}

	var out whisperResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindMalformed,
			Message: "decode transcription response", Err: err}
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindEmpty, Message: "engine returned an empty transcript"}
	}
	return &Transcript{
		Text:     strings.TrimSpace(out.Text),
		Language: normalizeLanguage(out.Language),
		Segments: out.Segments,
	}, nil
}

// guessExtension sniffs common audio containers for the upload filename.
func guessExtension(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("ID3")) || (len(b) > 1 && b[0] == 0xFF && b[1]&0xE0 == 0xE0):
		return ".mp3"
	case bytes.HasPrefix(b, []byte("RIFF")):
		return ".wav"
	case bytes.HasPrefix(b, []byte("OggS")):
		return ".ogg"
	case bytes.HasPrefix(b, []byte("fLaC")):
		return ".flac"
	case len(b) > 8 && string(b[4:8]) == "ftyp":
		return ".m4a"
	case bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ".webm"
	}
	return ".mp3"
}

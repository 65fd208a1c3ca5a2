package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/types"
)

type PublishSuccessResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		MediaId          string `json:"MediaId"`
		Status           string `json:"Status"`
		LanguageId       int    `json:"LanguageId"`
		TranscriptionURL string `json:"TranscriptionURL"`
		WordsCount       int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

type StatusResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		AudioURL             string `json:"AudioURL"`
		LanguageId           int    `json:"LanguageId"`
		Status               string `json:"Status"`
		TranscriptionTextURL string `json:"TranscriptionTextURL"`
		WordsCount           int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

type GatewayConfig struct {
	BaseURL      string
	CallType     string
	Language     string
	PollInterval time.Duration
	MaxPolls     int
	HTTPClient   *http.Client
}

// GatewayEngine drives a media-transcription gateway: upload the recording
// to /transcribe, poll /getstatus until the job settles, then download the
// transcript text.
type GatewayEngine struct {
	cfg    GatewayConfig
	client *http.Client
	log    *logger.Logger
}

func NewGatewayEngine(cfg GatewayConfig, log *logger.Logger) *GatewayEngine {
	if cfg.CallType == "" {
		cfg.CallType = "PNS"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 40
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}
	return &GatewayEngine{cfg: cfg, client: client, log: log.Component("transcription")}
}

func (g *GatewayEngine) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, emptyAudio()
	}
	mediaID, existingURL, err := g.publish(ctx, audio)
	if err != nil {
		return nil, err
	}
	finalURL := existingURL
	if finalURL == "" {
		if finalURL, err = g.poll(ctx, mediaID); err != nil {
			return nil, err
		}
	}
	g.log.WithField("media_id", mediaID).Debug("download final transcript")
	text, err := g.download(ctx, finalURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindEmpty, Message: "gateway returned an empty transcript"}
	}
	return &Transcript{Text: text, Language: g.cfg.Language}, nil
}

func (g *GatewayEngine) publish(ctx context.Context, audio []byte) (string, string, error) {
	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/transcribe"
	newReq := func() (*http.Request, error) {
		var b bytes.Buffer
		w := multipart.NewWriter(&b)
		part, err := w.CreateFormFile("callRecordingFile", "recording")
		if err != nil {
			return nil, err
		}
		part.Write(audio)
		w.WriteField("callType", g.cfg.CallType)
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &b)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	}
	var resp PublishSuccessResponse
	if err := g.doJSON(ctx, newReq, &resp); err != nil {
		return "", "", err
	}
	if resp.Code != 200 {
		return "", "", &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindUnsupported,
			Message: fmt.Sprintf("transcribe publish error: code=%d reason=%s", resp.Code, resp.Reason)}
	}
	if resp.Data.TranscriptionURL != "" && strings.EqualFold(resp.Data.Status, "success") {
		return resp.Data.MediaId, resp.Data.TranscriptionURL, nil
	}
	if resp.Data.MediaId == "" {
		return "", "", &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindMalformed, Message: "publish response has no media id"}
	}
	return resp.Data.MediaId, "", nil
}

func (g *GatewayEngine) poll(ctx context.Context, mediaID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(g.cfg.BaseURL, "/") + "/getstatus")
	if err != nil {
		return "", types.Permanent(types.KindTranscription, types.SubkindMalformed, err)
	}
	q := u.Query()
	q.Set("mediaId", mediaID)
	u.RawQuery = q.Encode()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for i := 0; i < g.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", transportError(ctx, ctx.Err())
		case <-ticker.C:
		}
		newReq := func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		}
		var s StatusResponse
		if err := g.doJSON(ctx, newReq, &s); err != nil {
			if !types.IsTransient(err) {
				return "", err
			}
			g.log.WithError(err).WithField("media_id", mediaID).Warn("status poll failed")
			continue
		}
		switch s.Data.Status {
		case "Success":
			return s.Data.TranscriptionTextURL, nil
		case "Queued", "Processing":
			continue
		case "Failed":
			return "", &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindUnsupported,
				Message: fmt.Sprintf("transcription failed: %s", s.Reason)}
		}
	}
	return "", &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindTimeout, Transient: true,
		Message: "transcription timeout"}
}

func (g *GatewayEngine) download(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", types.Permanent(types.KindTranscription, types.SubkindMalformed, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", statusError(resp.StatusCode, string(b))
	}
	return string(b), nil
}

// doJSON retries 5xx and network failures for a short window before giving
// the classified error back to the caller.
func (g *GatewayEngine) doJSON(ctx context.Context, newReq func() (*http.Request, error), target interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 12 * time.Second
	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(types.Permanent(types.KindTranscription, types.SubkindMalformed, err))
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return transportError(ctx, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 300 {
			serr := statusError(resp.StatusCode, string(body))
			if resp.StatusCode >= 500 {
				return serr
			}
			return backoff.Permanent(serr)
		}
		if len(body) == 0 {
			return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindEmpty, Transient: true, Message: "empty body"}
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(&types.Error{Kind: types.KindTranscription, Subkind: types.SubkindMalformed,
				Message: fmt.Sprintf("json decode error: %v body=%s", err, truncate(string(body), 200))})
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		if _, ok := types.AsError(err); !ok {
			return transportError(ctx, err)
		}
	}
	return err
}

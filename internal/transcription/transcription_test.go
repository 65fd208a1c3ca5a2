package transcription

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/types"
)

func TestWhisperEngine_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("response_format") != "verbose_json" {
			t.Errorf("unexpected form %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "ID3fake" || !strings.HasSuffix(hdr.Filename, ".mp3") {
				t.Errorf("unexpected upload %q %s", data, hdr.Filename)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"text":     " Hello there. ",
			"language": "english",
			"segments": []map[string]any{{"start": 0.0, "end": 1.5, "text": "Hello there."}},
		})
	}))
	defer srv.Close()

	e := NewWhisperEngine(WhisperConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	tr, err := e.Transcribe(context.Background(), []byte("ID3fake"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Hello there." || tr.Language != "en" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].End != 1.5 {
		t.Fatalf("unexpected segments %+v", tr.Segments)
	}
}

func TestWhisperEngine_ErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		sub       types.Subkind
		transient bool
	}{
		{http.StatusTooManyRequests, types.SubkindRateLimited, true},
		{http.StatusServiceUnavailable, types.SubkindUnavailable, true},
		{http.StatusUnauthorized, types.SubkindForbidden, false},
		{http.StatusBadRequest, types.SubkindUnsupported, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.code)
			}))
			defer srv.Close()
			_, err := NewWhisperEngine(WhisperConfig{BaseURL: srv.URL}).Transcribe(context.Background(), []byte("x"))
			e, ok := types.AsError(err)
			if !ok || e.Kind != types.KindTranscription || e.Subkind != tc.sub || e.Transient != tc.transient {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestEngines_RejectEmptyAudio(t *testing.T) {
	engines := map[string]Engine{
		"mock":    MockEngine{},
		"whisper": NewWhisperEngine(WhisperConfig{BaseURL: "http://127.0.0.1:1"}),
		"gateway": NewGatewayEngine(GatewayConfig{BaseURL: "http://127.0.0.1:1"}, logger.Discard()),
	}
	for name, e := range engines {
		_, err := e.Transcribe(context.Background(), nil)
		te, ok := types.AsError(err)
		if !ok || te.Kind != types.KindTranscription || te.Transient {
			t.Fatalf("%s: expected permanent TranscriptionError, got %v", name, err)
		}
	}
}

func TestGatewayEngine_PublishPollDownload(t *testing.T) {
	var polls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transcribe":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if r.FormValue("callType") != "PNS" {
				t.Errorf("unexpected callType %q", r.FormValue("callType"))
			}
			w.Write([]byte(`{"Code":200,"Status":"OK","Data":{"MediaId":"m-1","Status":"Queued"}}`))
		case "/getstatus":
			if r.URL.Query().Get("mediaId") != "m-1" {
				t.Errorf("unexpected media id %q", r.URL.Query().Get("mediaId"))
			}
			if atomic.AddInt32(&polls, 1) < 2 {
				w.Write([]byte(`{"Code":200,"Data":{"Status":"Processing"}}`))
				return
			}
			w.Write([]byte(`{"Code":200,"Data":{"Status":"Success","TranscriptionTextURL":"` + srv.URL + `/text/m-1"}}`))
		case "/text/m-1":
			w.Write([]byte("customer asked about the job placement program"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := NewGatewayEngine(GatewayConfig{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond}, logger.Discard())
	tr, err := e.Transcribe(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !strings.Contains(tr.Text, "job placement") || tr.Language != "en" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if atomic.LoadInt32(&polls) != 2 {
		t.Fatalf("expected 2 polls, got %d", polls)
	}
}

func TestGatewayEngine_FailedStatusIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transcribe":
			w.Write([]byte(`{"Code":200,"Data":{"MediaId":"m-2","Status":"Queued"}}`))
		case "/getstatus":
			w.Write([]byte(`{"Code":200,"Reason":"unsupported codec","Data":{"Status":"Failed"}}`))
		}
	}))
	defer srv.Close()

	e := NewGatewayEngine(GatewayConfig{BaseURL: srv.URL, PollInterval: time.Millisecond}, logger.Discard())
	_, err := e.Transcribe(context.Background(), []byte("audio"))
	if err == nil || types.IsTransient(err) || !strings.Contains(err.Error(), "unsupported codec") {
		t.Fatalf("expected permanent failure, got %v", err)
	}
}

func TestGatewayEngine_PollTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transcribe":
			w.Write([]byte(`{"Code":200,"Data":{"MediaId":"m-3","Status":"Queued"}}`))
		case "/getstatus":
			w.Write([]byte(`{"Code":200,"Data":{"Status":"Queued"}}`))
		}
	}))
	defer srv.Close()

	e := NewGatewayEngine(GatewayConfig{BaseURL: srv.URL, PollInterval: time.Millisecond, MaxPolls: 3}, logger.Discard())
	_, err := e.Transcribe(context.Background(), []byte("audio"))
	if !types.IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestFormatMarkdown(t *testing.T) {
	md := FormatMarkdown(&Transcript{
		Text:     "Hi.",
		Language: "en",
		Segments: []Segment{{Start: 0, End: 1.25, Text: "Hi."}},
	}, "call.m4a")
	for _, want := range []string{"# Transcript: call.m4a", "**Language:** en", "**Segment 1** (0.00s - 1.25s): Hi."} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
	if FormatMarkdown(nil, "x") != "Transcription failed" {
		t.Fatal("nil transcript should render failure text")
	}
}

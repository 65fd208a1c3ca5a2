package transcription

import "context"

// MockTranscript is returned by MockEngine unless Text is set.
const MockTranscript = "MOCK TRANSCRIPT: The training program teaches hands-on skills. Salary expectations in the industry are rising."

// MockEngine returns a fixed transcript. Useful for local runs.
type MockEngine struct {
	Text     string
	Language string
}

func (m MockEngine) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(ctx, err)
	}
	if len(audio) == 0 {
		return nil, emptyAudio()
	}
	text := m.Text
	if text == "" {
		text = MockTranscript
	}
	lang := m.Language
	if lang == "" {
		lang = "en"
	}
	return &Transcript{
		Text:     text,
		Language: lang,
		Segments: []Segment{{Text: text}},
	}, nil
}

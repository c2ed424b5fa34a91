package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"voicechat/internal/domain"
)

const defaultMaxAudioBytes = 25 << 20

type Transcriber interface {
	Transcribe(ctx context.Context, audio domain.Audio) (string, error)
	Model() string
}

type TranscribeService struct {
	transcriber   Transcriber
	maxAudioBytes int
}

// TranscribeInput carries either raw bytes (multipart upload) or a base64
// string (JSON body). Data wins when both are set.
type TranscribeInput struct {
	Data     []byte
	Base64   string
	MimeType string
}

func NewTranscribeService(t Transcriber, maxAudioBytes int) (*TranscribeService, error) {
	if t == nil {
		return nil, errors.New("usecase: transcriber must not be nil")
	}
	if maxAudioBytes <= 0 {
		maxAudioBytes = defaultMaxAudioBytes
	}
	return &TranscribeService{transcriber: t, maxAudioBytes: maxAudioBytes}, nil
}

// Model returns the speech model name.
func (s *TranscribeService) Model() string {
	return s.transcriber.Model()
}

// MaxAudioBytes is the largest decoded recording accepted.
func (s *TranscribeService) MaxAudioBytes() int {
	return s.maxAudioBytes
}

func (s *TranscribeService) Transcribe(ctx context.Context, in TranscribeInput) (string, error) {
	data := in.Data
	if len(data) == 0 {
		encoded := stripDataURL(strings.TrimSpace(in.Base64))
		if encoded == "" {
			return "", newError(ErrorInvalidInput, "missing_audio", nil)
		}
		if base64.StdEncoding.DecodedLen(len(encoded)) > s.maxAudioBytes+2 {
			return "", newError(ErrorInvalidInput, "audio_too_large", nil)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", newError(ErrorInvalidInput, "invalid_audio_encoding", err)
		}
		data = decoded
	}
	if len(data) == 0 {
		return "", newError(ErrorInvalidInput, "missing_audio", nil)
	}
	if len(data) > s.maxAudioBytes {
		return "", newError(ErrorInvalidInput, "audio_too_large", nil)
	}

	text, err := s.transcriber.Transcribe(ctx, domain.Audio{Data: data, MimeType: in.MimeType})
	if err != nil {
		return "", upstreamError("transcription", err)
	}
	return strings.TrimSpace(text), nil
}

// stripDataURL accepts "data:audio/webm;base64,...." as produced by
// FileReader.readAsDataURL.
func stripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return ""
}

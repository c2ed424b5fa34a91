package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"voicechat/internal/usecase"
)

const multipartMemory = 8 << 20

type transcribeRequest struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mime_type"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// handleTranscribe accepts a JSON body with base64 audio, or a multipart
// form with the recording in the "audio" field.
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	in, err := h.readAudio(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	text, err := h.transcribe.Transcribe(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{Text: text})
}

func (h *Handler) readAudio(w http.ResponseWriter, r *http.Request) (usecase.TranscribeInput, error) {
	max := int64(h.transcribe.MaxAudioBytes())
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, max+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return usecase.TranscribeInput{}, invalidBody(err)
		}
		file, hdr, err := r.FormFile("audio")
		if err != nil {
			return usecase.TranscribeInput{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_audio", Err: err}
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, max+1))
		if err != nil {
			return usecase.TranscribeInput{}, invalidBody(err)
		}
		mimeType := r.FormValue("mime_type")
		if mimeType == "" {
			mimeType = hdr.Header.Get("Content-Type")
		}
		return usecase.TranscribeInput{Data: data, MimeType: mimeType}, nil
	}

	var req transcribeRequest
	// base64 inflates by 4/3; leave room for the JSON envelope.
	if err := decodeJSON(w, r, max/3*4+maxJSONBody, &req); err != nil {
		return usecase.TranscribeInput{}, err
	}
	return usecase.TranscribeInput{Base64: req.Audio, MimeType: req.MimeType}, nil
}

func invalidBody(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "audio_too_large", Err: err}
	}
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
}

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"siteorder/internal/engine"
	"siteorder/internal/speech"
)

// The audio endpoints take multipart bodies and return audio or a
// polymorphic turn result, so they are mounted on chi directly.
type voiceHandlers struct {
	engine      engine.Engine
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	log         logrus.FieldLogger
}

func registerVoice(r chi.Router, basePath string, h voiceHandlers) {
	r.Post(path.Join(basePath, "voice/process"), h.process)
	r.Post(path.Join(basePath, "voice/stt"), h.transcribe)
	r.Post(path.Join(basePath, "voice/tts"), h.synthesize)
}

func (h voiceHandlers) maxAudioBytes() int64 {
	if cfg := h.engine.Config; cfg != nil && cfg.Speech.MaxAudioBytes > 0 {
		return cfg.Speech.MaxAudioBytes
	}
	return speech.DefaultMaxAudioBytes
}

func (h voiceHandlers) maxChars() int {
	if cfg := h.engine.Config; cfg != nil && cfg.Speech.MaxTTSChars > 0 {
		return cfg.Speech.MaxTTSChars
	}
	return speech.DefaultMaxChars
}

func (h voiceHandlers) language() string {
	if cfg := h.engine.Config; cfg != nil {
		return cfg.Speech.Language
	}
	return ""
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// readAudio parses the multipart form and transcribes its "audio" file.
func (h voiceHandlers) readAudio(w http.ResponseWriter, r *http.Request) (string, error) {
	if h.transcriber == nil {
		return "", errSpeechUnavailable
	}
	max := h.maxAudioBytes()
	r.Body = http.MaxBytesReader(w, r.Body, max+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", errAudioTooLarge
		}
		return "", speech.ErrEmptyAudio
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		return "", speech.ErrEmptyAudio
	}
	defer file.Close()
	if header.Size > max {
		return "", errAudioTooLarge
	}
	if header.Size == 0 {
		return "", speech.ErrEmptyAudio
	}
	return h.transcriber.Transcribe(r.Context(), file, header.Filename, h.language())
}

var (
	errSpeechUnavailable = errors.New("speech service not configured")
	errAudioTooLarge     = errors.New("audio file too large")
)

func (h voiceHandlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errSpeechUnavailable):
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "speech_unavailable", err.Error(), nil))
	case errors.Is(err, errAudioTooLarge):
		respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "audio_too_large", err.Error(), map[string]any{"maxBytes": h.maxAudioBytes()}))
	default:
		serr := handleError(err)
		if se, ok := serr.(*apiError); ok && se.status >= 500 {
			h.log.WithError(err).Error("voice request failed")
		}
		respondStatusError(w, serr)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// process runs one conversational turn. The body is either JSON
// (ProcessTurnRequest) or multipart with an audio file plus projectId,
// conversationContext and cartContext fields.
func (h voiceHandlers) process(w http.ResponseWriter, r *http.Request) {
	worker, authErr := workerIDFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	var in ProcessTurnRequest
	if isMultipart(r) {
		text, err := h.readAudio(w, r)
		if err != nil {
			h.writeError(w, err)
			return
		}
		in.Transcription = text
		in.ProjectID = r.FormValue("projectId")
		if raw := r.FormValue("conversationContext"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &in.ConversationContext); err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid conversationContext", nil))
				return
			}
		}
		if raw := r.FormValue("cartContext"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &in.CartContext); err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid cartContext", nil))
				return
			}
		}
	} else if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid JSON body", nil))
		return
	}

	projectID, perr := projectFor(r.Context(), h.engine, in.ProjectID, r.Header.Get("X-Project-Id"))
	if perr != nil {
		respondStatusError(w, perr)
		return
	}
	req := engine.TurnRequest{
		WorkerID:    worker,
		ProjectID:   projectID,
		Transcript:  in.Transcription,
		Context:     in.ConversationContext,
		CartContext: in.CartContext,
	}
	if in.CartContext == nil && strings.TrimSpace(in.Transcription) != "" {
		// No client-held cart: edit the worker's server-side cart.
		if err := h.engine.Access().RequireAssignment(r.Context(), nil, projectID, worker); err != nil {
			h.writeError(w, err)
			return
		}
		s, err := h.engine.OpenCart(r.Context(), worker, projectID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		req.Cart = s
	}
	res, err := h.engine.ProcessTurn(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h voiceHandlers) transcribe(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart form with an audio file is required", nil))
		return
	}
	text, err := h.readAudio(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TranscriptionResponse{Text: text})
}

// synthesize returns mp3 audio. With stream set the audio is flushed as it
// arrives instead of being buffered.
func (h voiceHandlers) synthesize(w http.ResponseWriter, r *http.Request) {
	var in SynthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid JSON body", nil))
		return
	}
	if err := speech.ValidateText(in.Text, h.maxChars()); err != nil {
		h.writeError(w, err)
		return
	}
	if h.synthesizer == nil {
		h.writeError(w, errSpeechUnavailable)
		return
	}
	audio, err := h.synthesizer.Synthesize(r.Context(), in.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer audio.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	if !in.Stream {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, audio); err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	chunk := make([]byte, 16<<10)
	for {
		n, err := audio.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.WithError(err).Warn("tts stream interrupted")
			}
			return
		}
	}
}

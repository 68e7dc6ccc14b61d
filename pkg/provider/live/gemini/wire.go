package gemini

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

// Client frames. Exactly one top-level field is set per frame.
type clientFrame struct {
	Setup         *setup    `json:"setup,omitempty"`
	RealtimeInput *realtime `json:"realtimeInput,omitempty"`
}

type setup struct {
	Model                    string    `json:"model"`
	GenerationConfig         genConfig `json:"generationConfig"`
	SystemInstruction        *turn     `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{} `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{} `json:"outputAudioTranscription,omitempty"`
}

type genConfig struct {
	ResponseModalities []string `json:"responseModalities"`
	SpeechConfig       *speech  `json:"speechConfig,omitempty"`
}

// speech nests the prebuilt voice name three objects deep, as the service
// expects.
type speech struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type realtime struct {
	MediaChunks []blob `json:"mediaChunks,omitempty"`
	Text        string `json:"text,omitempty"`
}

// blob is inline binary data; Data is base64.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type turn struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// Server frames.
type serverFrame struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *content         `json:"serverContent,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
	} `json:"error,omitempty"`
}

type content struct {
	ModelTurn           *turn `json:"modelTurn,omitempty"`
	TurnComplete        bool  `json:"turnComplete,omitempty"`
	Interrupted         bool  `json:"interrupted,omitempty"`
	InputTranscription  *text `json:"inputTranscription,omitempty"`
	OutputTranscription *text `json:"outputTranscription,omitempty"`
}

type text struct {
	Text string `json:"text"`
}

func setupFrame(model string, cfg live.SessionConfig) clientFrame {
	s := &setup{
		Model:            "models/" + model,
		GenerationConfig: genConfig{ResponseModalities: []string{"AUDIO"}},
	}
	if cfg.SystemInstruction != "" {
		s.SystemInstruction = &turn{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.Voice != "" {
		sp := &speech{}
		sp.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		s.GenerationConfig.SpeechConfig = sp
	}
	if cfg.InputTranscription {
		s.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		s.OutputAudioTranscription = &struct{}{}
	}
	return clientFrame{Setup: s}
}

func mediaFrame(mime string, data []byte) clientFrame {
	return clientFrame{RealtimeInput: &realtime{
		MediaChunks: []blob{{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(data)}},
	}}
}

func audioMIME(sampleRate int) string { return "audio/pcm;rate=" + strconv.Itoa(sampleRate) }

// toEvents converts one server frame into the events it carries, in order:
// a service error first, then decode errors, then the content message.
func toEvents(f *serverFrame) []live.Event {
	var evs []live.Event
	if e := f.Error; e != nil {
		msg := e.Message
		if msg == "" {
			msg = "unknown error"
		}
		if e.Code != 0 {
			msg = strconv.Itoa(e.Code) + " " + msg
		}
		evs = append(evs, live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: %s", msg)})
	}
	if f.ServerContent != nil {
		sc, err := f.ServerContent.toLive()
		if err != nil {
			evs = append(evs, live.Event{Type: live.EventError, Err: err})
		}
		evs = append(evs, live.Event{Type: live.EventMessage, Content: sc})
	}
	return evs
}

// toLive maps the wire content onto [live.ServerContent]. Audio parts with a
// malformed base64 payload are skipped and reported.
func (c *content) toLive() (*live.ServerContent, error) {
	out := &live.ServerContent{TurnComplete: c.TurnComplete, Interrupted: c.Interrupted}
	if c.InputTranscription != nil {
		out.InputTranscription = c.InputTranscription.Text
	}
	if c.OutputTranscription != nil {
		out.OutputTranscription = c.OutputTranscription.Text
	}
	if c.ModelTurn == nil {
		return out, nil
	}
	var errs []error
	for _, p := range c.ModelTurn.Parts {
		if p.InlineData == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("gemini: inline data: %w", err))
			continue
		}
		out.Audio = append(out.Audio, live.InlineAudio{MIMEType: p.InlineData.MIMEType, Data: data})
	}
	return out, errors.Join(errs...)
}

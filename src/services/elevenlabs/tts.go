package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/playback"
	"github.com/bme-official/withu-mirai/src/services"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// Synthesizer provides text-to-speech using the ElevenLabs HTTP API.
type Synthesizer struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	baseURL      string
	client       *http.Client
}

// Config holds configuration for ElevenLabs.
type Config struct {
	APIKey       string
	VoiceID      string // e.g. "21m00Tcm4TlvDq8ikWAM" (Rachel)
	Model        string // e.g. "eleven_turbo_v2"
	OutputFormat string // "pcm_16000", "pcm_22050", "pcm_24000" (default "pcm_16000")
	BaseURL      string // override for tests
	HTTPClient   *http.Client
}

// NewSynthesizer creates an ElevenLabs synthesizer.
func NewSynthesizer(config Config) *Synthesizer {
	if config.Model == "" {
		config.Model = "eleven_turbo_v2"
	}
	if config.OutputFormat == "" {
		config.OutputFormat = "pcm_16000"
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &Synthesizer{
		apiKey:       config.APIKey,
		voiceID:      config.VoiceID,
		model:        config.Model,
		outputFormat: config.OutputFormat,
		baseURL:      config.BaseURL,
		client:       config.HTTPClient,
	}
}

// Synthesize requests audio for text. Rate-limit and server errors come
// back as TransientError so the caller can retry once.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (playback.Clip, error) {
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, s.voiceID, s.outputFormat)

	requestBody := map[string]interface{}{
		"text":     text,
		"model_id": s.model,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}
	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return playback.Clip{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return playback.Clip{}, err
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return playback.Clip{}, &services.TransientError{Err: fmt.Errorf("elevenlabs: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		apiErr := fmt.Errorf("elevenlabs: %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return playback.Clip{}, &services.TransientError{Err: apiErr}
		}
		return playback.Clip{}, apiErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return playback.Clip{}, &services.TransientError{Err: fmt.Errorf("elevenlabs: read body: %w", err)}
	}

	sampleRate := s.sampleRate()
	log.Printf("[ElevenLabsTTS] Synthesized %d bytes (%s)", len(data), s.outputFormat)
	return playback.Clip{
		Data:       data,
		Encoding:   audio.EncodingPCM16,
		SampleRate: sampleRate,
	}, nil
}

// sampleRate parses the rate out of an output format like "pcm_16000".
func (s *Synthesizer) sampleRate() int {
	parts := strings.Split(s.outputFormat, "_")
	if len(parts) == 2 {
		if rate, err := strconv.Atoi(parts[1]); err == nil {
			return rate
		}
	}
	return 16000
}

package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/recorder"
)

const defaultEndpoint = "wss://api.deepgram.com/v1/listen"

// Transcriber performs blob transcription over the Deepgram streaming
// WebSocket: it dials per request, streams the blob in chunks, sends
// CloseStream and collects the final transcript segments.
type Transcriber struct {
	apiKey   string
	language string
	model    string
	endpoint string
	timeout  time.Duration
}

// Config holds configuration for Deepgram.
type Config struct {
	APIKey   string
	Language string // e.g. "en-US"
	Model    string // e.g. "nova-2"
	Endpoint string // override for tests
	Timeout  time.Duration
}

// NewTranscriber creates a Deepgram transcriber.
func NewTranscriber(config Config) *Transcriber {
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.Model == "" {
		config.Model = "nova-2"
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Transcriber{
		apiKey:   config.APIKey,
		language: config.Language,
		model:    config.Model,
		endpoint: config.Endpoint,
		timeout:  config.Timeout,
	}
}

// deepgramEncoding maps a blob encoding to the Deepgram encoding parameter.
func deepgramEncoding(enc audio.Encoding) (string, error) {
	switch enc {
	case audio.EncodingPCM16:
		return "linear16", nil
	case audio.EncodingOpus:
		return "opus", nil
	default:
		return "", fmt.Errorf("deepgram: unsupported blob encoding %q", enc)
	}
}

// Transcribe streams the blob and returns the joined final transcript. An
// empty or near-empty recording yields an empty string, not an error.
func (t *Transcriber) Transcribe(ctx context.Context, blob recorder.Blob) (string, error) {
	if blob.Size() == 0 {
		return "", nil
	}

	encoding, err := deepgramEncoding(blob.Encoding)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("language", t.language)
	params.Set("model", t.model)
	params.Set("encoding", encoding)
	params.Set("sample_rate", strconv.Itoa(blob.SampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "false")

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	header := map[string][]string{
		"Authorization": {fmt.Sprintf("Token %s", t.apiKey)},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.endpoint+"?"+params.Encode(), header)
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.Close()

	if err := t.sendBlob(conn, blob); err != nil {
		return "", err
	}
	if err := conn.WriteJSON(map[string]string{"type": "CloseStream"}); err != nil {
		return "", fmt.Errorf("deepgram: close stream: %w", err)
	}

	return t.collect(ctx, conn)
}

// sendBlob writes the audio as binary messages: one Opus packet per
// message, or fixed-size chunks for raw PCM.
func (t *Transcriber) sendBlob(conn *websocket.Conn, blob recorder.Blob) error {
	var chunks [][]byte
	if blob.Encoding == audio.EncodingOpus {
		packets, err := audio.SplitPackets(blob.Data)
		if err != nil {
			return fmt.Errorf("deepgram: %w", err)
		}
		chunks = packets
	} else {
		const chunkBytes = 8192
		for off := 0; off < len(blob.Data); off += chunkBytes {
			end := off + chunkBytes
			if end > len(blob.Data) {
				end = len(blob.Data)
			}
			chunks = append(chunks, blob.Data[off:end])
		}
	}

	for _, chunk := range chunks {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	return nil
}

// collect reads responses until the server closes the stream, joining the
// final transcript segments.
func (t *Transcriber) collect(ctx context.Context, conn *websocket.Conn) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	var parts []string
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				break
			}
			return "", fmt.Errorf("deepgram: read: %w", err)
		}

		var response struct {
			Type    string `json:"type"`
			IsFinal bool   `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channel"`
		}
		if err := json.Unmarshal(message, &response); err != nil {
			log.Printf("[DeepgramSTT] Skipping unparsable response: %v", err)
			continue
		}

		if response.Type == "Metadata" {
			// final message after CloseStream
			break
		}
		if response.IsFinal && len(response.Channel.Alternatives) > 0 {
			if text := response.Channel.Alternatives[0].Transcript; text != "" {
				parts = append(parts, text)
			}
		}
	}

	transcript := strings.TrimSpace(strings.Join(parts, " "))
	log.Printf("[DeepgramSTT] Transcript: %q", transcript)
	return transcript, nil
}

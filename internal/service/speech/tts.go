package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
)

const defaultTTSEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

var errResourceMismatch = errors.New("resource id mismatched with speaker")

type ttsClient struct {
	cfg      config.SpeechConfig
	endpoint string
	dialer   *websocket.Dialer
	log      *logger.Logger
}

func newTTSClient(cfg config.SpeechConfig, log *logger.Logger) *ttsClient {
	return &ttsClient{
		cfg:      cfg,
		endpoint: defaultTTSEndpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		log:      log,
	}
}

type ttsAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsServerMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// resourceCandidates 按音色推断可用的资源 ID，依次尝试。
func resourceCandidates(voice string) []string {
	const (
		legacyResource = "volc.service_type.10029"
		cloneResource  = "volc.megatts.default"
		seedResource   = "seed-tts-2.0"
	)
	switch {
	case strings.HasPrefix(voice, "S_"):
		return []string{cloneResource}
	case strings.Contains(strings.ToLower(voice), "bigtts"):
		return []string{seedResource, legacyResource}
	default:
		return []string{legacyResource, seedResource}
	}
}

// synthesize 返回合成的音频字节。资源与音色不匹配时换下一个资源重试。
func (c *ttsClient) synthesize(ctx context.Context, connectID, voice, text string) ([]byte, error) {
	if voice == "" {
		voice = c.cfg.TTSVoice
	}
	var lastErr error
	for _, resourceID := range resourceCandidates(voice) {
		audio, err := c.synthesizeWith(ctx, connectID, voice, resourceID, text)
		if err == nil {
			return audio, nil
		}
		if !errors.Is(err, errResourceMismatch) {
			return nil, err
		}
		c.log.Debug("tts resource mismatch, trying next", "voice", voice, "resource", resourceID)
		lastErr = err
	}
	return nil, lastErr
}

func (c *ttsClient) synthesizeWith(ctx context.Context, connectID, voice, resourceID, text string) ([]byte, error) {
	header := http.Header{}
	header.Set("X-Api-App-Key", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessToken)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var req ttsRequest
	req.User.UID = connectID
	req.ReqParams.Speaker = voice
	req.ReqParams.Text = text
	req.ReqParams.Language = c.cfg.TTSLanguage
	req.ReqParams.AudioParams = ttsAudioParams{Format: c.cfg.TTSFormat, SampleRate: 24000}
	if c.cfg.TTSSpeed > 0 && c.cfg.TTSSpeed != 1 {
		req.ReqParams.AudioParams.SpeedRatio = c.cfg.TTSSpeed
	}
	if c.cfg.TTSVolume > 0 && c.cfg.TTSVolume != 1 {
		req.ReqParams.AudioParams.VolumeRatio = c.cfg.TTSVolume
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, newFullClientRequest(payload, compressionNone).encode()); err != nil {
		return nil, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to read TTS response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TTS frame: %w", err)
		}

		switch f.kind {
		case typeErrorMessage:
			body, _ := f.body()
			return nil, classifyTTSError(fmt.Sprintf("TTS error %d: %s", f.errorCode, body))
		case typeAudioOnlyResponse:
			chunk, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			audio.Write(chunk)
		case typeFullServerResponse:
			body, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress TTS payload: %w", err)
			}
			if len(body) > 0 {
				var msg ttsServerMessage
				if err := json.Unmarshal(body, &msg); err == nil {
					if msg.Code != 0 && msg.Code != 3000 && msg.Code != 20000000 {
						return nil, classifyTTSError(fmt.Sprintf("TTS API error %d: %s", msg.Code, msg.Message))
					}
					if msg.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(msg.Data)
						if err != nil {
							return nil, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}
			if f.hasEvent() && f.event == eventSessionFailed {
				return nil, classifyTTSError(fmt.Sprintf("TTS session failed: %s", body))
			}
			finished := (f.hasEvent() && f.event == eventSessionFinished) || f.isLast()
			if finished {
				if audio.Len() == 0 {
					return nil, errors.New("TTS audio is empty")
				}
				return audio.Bytes(), nil
			}
		}
	}
}

func classifyTTSError(msg string) error {
	if strings.Contains(msg, "resource ID is mismatched") {
		return fmt.Errorf("%w: %s", errResourceMismatch, msg)
	}
	return errors.New(msg)
}

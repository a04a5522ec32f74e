package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
)

const (
	defaultASREndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	// 16kHz, 16bit, mono, 200ms
	asrChunkSize = 6400
)

type asrClient struct {
	cfg       config.SpeechConfig
	endpoint  string
	dialer    *websocket.Dialer
	chunkSize int
	pace      time.Duration
	log       *logger.Logger
}

func newASRClient(cfg config.SpeechConfig, log *logger.Logger) *asrClient {
	return &asrClient{
		cfg:       cfg,
		endpoint:  defaultASREndpoint,
		dialer:    &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		chunkSize: asrChunkSize,
		pace:      200 * time.Millisecond,
		log:       log,
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
}

func (c *asrClient) buildRequest(connectID string, format audioFormat) asrRequest {
	var req asrRequest
	req.User.UID = connectID
	req.Audio.Language = c.cfg.ASRLanguage
	req.Audio.Format = format.name
	req.Audio.Codec = format.codec
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// transcribe 建立一次 WebSocket 会话：先发送完整请求，再并发发送音频分片并读取识别结果。
func (c *asrClient) transcribe(ctx context.Context, connectID string, audio []byte, format audioFormat) (string, error) {
	resourceID := "volc.bigasr.sauc.duration"
	if c.cfg.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent"
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessToken)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return "", fmt.Errorf("failed to connect to ASR websocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			c.log.Debug("asr connected", "logid", logid, "connect_id", connectID)
		}
	}

	payload, err := json.Marshal(c.buildRequest(connectID, format))
	if err != nil {
		return "", fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	compressed, err := gzipBytes(payload)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, newFullClientRequest(compressed, compressionGzip).encode()); err != nil {
		return "", fmt.Errorf("failed to send ASR request: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// 读取阻塞在 conn 上，取消时关闭连接使其返回。
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	var transcript string
	g.Go(func() error {
		return c.sendAudio(gctx, conn, audio)
	})
	g.Go(func() error {
		text, err := c.readResult(conn)
		transcript = text
		return err
	})
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return transcript, nil
}

func (c *asrClient) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	sequence := int32(2) // 完整请求占用序号 1
	for start := 0; start < len(audio); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		last := end == len(audio)

		chunk, err := gzipBytes(audio[start:end])
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, newAudioFrame(chunk, sequence, last).encode()); err != nil {
			return fmt.Errorf("failed to send audio chunk %d: %w", sequence, err)
		}
		sequence++
		if last {
			return nil
		}

		if c.pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.pace):
			}
		}
	}
	return nil
}

func (c *asrClient) readResult(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("failed to read ASR response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return "", fmt.Errorf("failed to decode ASR frame: %w", err)
		}

		switch f.kind {
		case typeErrorMessage:
			body, _ := f.body()
			return "", fmt.Errorf("ASR error %d: %s", f.errorCode, strings.TrimSpace(string(body)))
		case typeFullServerResponse:
			body, err := f.body()
			if err != nil {
				return "", fmt.Errorf("failed to decompress ASR payload: %w", err)
			}
			var msg asrServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &msg); err != nil {
					c.log.Warn("asr response unmarshal failed", "error", err)
					continue
				}
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				return "", fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)
			}
			if candidate := resultText(msg); candidate != "" {
				text = candidate
			}
			if f.isLast() || msg.Sequence < 0 {
				return strings.TrimSpace(text), nil
			}
		}
	}
}

func resultText(msg asrServerMessage) string {
	if msg.Result.Text != "" {
		return msg.Result.Text
	}
	parts := make([]string, 0, len(msg.Result.Utterances))
	for _, u := range msg.Result.Utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

package speech

import (
	"mime"
	"path/filepath"
	"strings"
)

type audioFormat struct {
	name  string
	codec string
}

// formatFromMIME 将 mime 提示映射为识别服务接受的格式。
func formatFromMIME(mimeType string) (audioFormat, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	switch mediaType {
	case "", "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return audioFormat{name: "wav", codec: "raw"}, true
	case "audio/pcm", "audio/l16", "audio/x-pcm":
		return audioFormat{name: "pcm", codec: "raw"}, true
	case "audio/ogg", "audio/opus", "audio/ogg;codecs=opus":
		return audioFormat{name: "ogg", codec: "opus"}, true
	case "audio/mpeg", "audio/mp3":
		return audioFormat{name: "mp3", codec: "raw"}, true
	default:
		return audioFormat{}, false
	}
}

// MIMEFromFilename 从文件扩展名推断 mime，用于未携带 Content-Type 的上传。
func MIMEFromFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".pcm", ".raw":
		return "audio/pcm"
	case ".webm":
		return "audio/webm"
	default:
		return "audio/wav"
	}
}

// ContentType 返回音频格式对应的 HTTP Content-Type。
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return "audio/mpeg"
	case "ogg_opus", "ogg":
		return "audio/ogg"
	case "pcm":
		return "audio/pcm"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

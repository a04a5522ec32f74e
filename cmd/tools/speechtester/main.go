package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	"github.com/zhouzirui/solace/backend/internal/service/gateway"
	"github.com/zhouzirui/solace/backend/internal/service/speech"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	timeout time.Duration
	voice   string
	mime    string
	out     string
}

func newRootCmd() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:          "speechtester",
		Short:        "手动验证火山引擎语音识别与合成",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 45*time.Second, "请求超时时间")

	asr := &cobra.Command{
		Use:   "asr <audio-file>",
		Short: "识别一段音频",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			audio, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("打开音频文件失败: %w", err)
			}
			mimeType := opts.mime
			if mimeType == "" {
				mimeType = speech.MIMEFromFilename(args[0])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			log.Info("开始进行 ASR 测试", "file", args[0], "mime", mimeType, "bytes", len(audio))
			text, err := svc.Transcribe(ctx, audio, mimeType)
			if err != nil {
				return fmt.Errorf("ASR 调用失败: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	asr.Flags().StringVar(&opts.mime, "mime", "", "音频 mime 类型，默认根据扩展名推断")

	tts := &cobra.Command{
		Use:   "tts <text...>",
		Short: "合成一段文本并写入文件",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			text := strings.Join(args, " ")
			ref, err := svc.Synthesize(ctx, gateway.SynthesisRequest{
				SessionID: fmt.Sprintf("manual-%d", time.Now().UnixNano()),
				Text:      text,
				Voice:     opts.voice,
			})
			if err != nil {
				return fmt.Errorf("TTS 调用失败: %w", err)
			}
			clip, ok := svc.Audio().Get(ref)
			if !ok {
				return errors.New("合成音频已过期")
			}

			out := opts.out
			if out == "" {
				out = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), clip.Format)
			}
			if err := os.WriteFile(out, clip.Data, 0o644); err != nil {
				return fmt.Errorf("写入音频文件失败: %w", err)
			}
			log.Info("TTS 合成成功", "file", out, "bytes", len(clip.Data))
			return nil
		},
	}
	tts.Flags().StringVar(&opts.voice, "voice", "", "音色 ID，默认使用 SPEECH_TTS_VOICE")
	tts.Flags().StringVar(&opts.out, "out", "", "输出文件路径")

	root.AddCommand(asr, tts)
	return root
}

func setup() (*speech.Service, *logger.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("配置加载失败: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, err
	}
	if envErr != nil {
		log.Warn("无法加载 .env，改用系统环境变量", "error", envErr)
	}
	if !cfg.Speech.Enabled {
		return nil, nil, errors.New("语音服务未启用，请先配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
	}
	return speech.NewService(cfg.Speech, speech.NewAudioStore(0, 0), log), log, nil
}

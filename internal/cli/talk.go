package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/chatrelay/internal/audio"
	"github.com/markdave123-py/chatrelay/internal/audio/device"
	"github.com/markdave123-py/chatrelay/internal/audio/vad"
	"github.com/markdave123-py/chatrelay/internal/client"
	"github.com/markdave123-py/chatrelay/internal/playback"
)

var (
	talkDevice         int
	talkVoice          string
	talkLanguage       string
	talkThreshold      float64
	talkSilenceTimeout time.Duration
	talkMute           bool
	talkPlayback       string
)

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Hold a spoken conversation",
	Long: `Listen on the microphone and send each utterance as a chat turn.
Replies are printed and spoken through the default output device.

Examples:
  voicechat talk
  voicechat talk --chat 3f0c... --voice en-GB-Neural2-B
  voicechat talk --device 2 --threshold 0.02 --mute`,
	Args: cobra.NoArgs,
	RunE: runTalk,
}

func init() {
	talkCmd.Flags().IntVarP(&talkDevice, "device", "d", -1, "input device index from 'voicechat devices'; -1 is the default")
	talkCmd.Flags().StringVar(&talkVoice, "voice", "", "voice id for spoken replies")
	talkCmd.Flags().StringVarP(&talkLanguage, "language", "l", "", "BCP-47 language hint for transcription")
	talkCmd.Flags().Float64Var(&talkThreshold, "threshold", vad.DefaultConfig().Threshold, "speech level threshold (0..1)")
	talkCmd.Flags().DurationVar(&talkSilenceTimeout, "silence", vad.DefaultConfig().SilenceTimeout, "silence that ends an utterance")
	talkCmd.Flags().BoolVar(&talkMute, "mute", false, "print replies without speaking them")
	talkCmd.Flags().StringVar(&talkPlayback, "playback", "chunk", "chunk (sentence by sentence) or stream (one continuous download)")
}

func runTalk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	terminate, err := device.Init()
	if err != nil {
		return err
	}
	defer func() { _ = terminate() }()

	guestID, err := ensureIdentity(ctx)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	store := client.NewStore(session)
	chatID, err := openConversation(ctx, cmd, store, guestID)
	if err != nil {
		return err
	}

	transport, err := dialTransport(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer transport.Close()

	cfg := vad.DefaultConfig()
	cfg.Threshold = talkThreshold
	cfg.SilenceTimeout = talkSilenceTimeout

	if talkPlayback != "chunk" && talkPlayback != "stream" {
		return fmt.Errorf("unknown playback mode %q", talkPlayback)
	}
	var speaker playback.Backend
	if !talkMute {
		speaker = &device.Speaker{FrameDuration: 40 * time.Millisecond}
	}

	loop := &VoiceLoop{
		Client:    apiClient,
		Transport: transport,
		Store:     store,
		Mic: &device.Microphone{
			Format:        audio.Mono16k,
			FrameDuration: cfg.FrameDuration,
			DeviceIndex:   talkDevice,
			Logger:        logger,
		},
		Speaker:        speaker,
		StreamPlayback: talkPlayback == "stream",
		VAD:            cfg,
		Voice:          talkVoice,
		Language:       talkLanguage,
		Out:            cmd.OutOrStdout(),
		Logger:         logger,
	}
	for _, m := range store.Messages() {
		loop.print(m)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Listening in conversation %s. Press Ctrl+C to stop.\n", chatID)
	return loop.Run(ctx)
}

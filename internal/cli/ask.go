package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markdave123-py/chatrelay/internal/audio/device"
	"github.com/markdave123-py/chatrelay/internal/client"
	"github.com/markdave123-py/chatrelay/internal/models"
	"github.com/markdave123-py/chatrelay/internal/playback"
	"github.com/markdave123-py/chatrelay/internal/relay"
)

var (
	askSpeak   bool
	askVoice   string
	askTimeout time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Send one typed turn and print the reply",
	Long: `Send a single text turn to the active conversation and stream the
reply to stdout. Useful without a microphone.

Examples:
  voicechat ask "What does my week look like?"
  voicechat ask --transport sse --speak "Read me the summary"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askSpeak, "speak", false, "also speak the reply")
	askCmd.Flags().StringVar(&askVoice, "voice", "", "voice id for the spoken reply")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 2*time.Minute, "give up waiting for the reply after this long")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()

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

	// Growing text only makes sense on a terminal; pipes get the final reply.
	live := term.IsTerminal(int(os.Stdout.Fd()))
	reply, err := askOnce(ctx, transport, store, chatID, strings.Join(args, " "), cmd.OutOrStdout(), live)
	if err != nil {
		return err
	}
	if !askSpeak {
		return nil
	}

	terminate, err := device.Init()
	if err != nil {
		return err
	}
	defer func() { _ = terminate() }()
	p := playback.NewChunkPlayer(&device.Speaker{FrameDuration: 40 * time.Millisecond}, logger)
	defer func() { _ = p.Cleanup() }()
	return apiClient.Speak(ctx, p, reply.Text, askVoice)
}

// askOnce sends text as one turn and blocks until it finishes. With live
// set, deltas are echoed to out as they grow.
func askOnce(ctx context.Context, t client.Transport, store *client.Store, chatID, text string, out io.Writer, live bool) (models.Message, error) {
	var (
		printed  int
		reply    models.Message
		failure  error
		finished bool
	)
	cons := client.NewConsumer(store, client.ConsumerHandlers{
		OnDelta: func(_, snapshot string) {
			if live && len(snapshot) > printed {
				fmt.Fprint(out, snapshot[printed:])
				printed = len(snapshot)
			}
		},
		OnFinal: func(m models.Message) {
			if len(m.Text) > printed {
				fmt.Fprint(out, m.Text[printed:])
			}
			fmt.Fprintln(out)
			reply = m
			finished = true
		},
		OnError: func(ev relay.Event) {
			failure = fmt.Errorf("relay error: %s", ev.Error)
			finished = true
		},
	}, logger)

	if err := submit(ctx, cons, t, chatID, text, "text"); err != nil {
		return models.Message{}, err
	}
	for !finished {
		select {
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		case ev, ok := <-t.Events():
			if !ok {
				return models.Message{}, errors.New("connection closed before the reply finished")
			}
			cons.Handle(ev)
		}
	}
	return reply, failure
}

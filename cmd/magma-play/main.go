// Command magma-play plays an Ogg Opus file into a Discord voice channel.
//
// The voice session is taken either from flags, as relayed from a main gateway
// connection elsewhere, or from a bot session opened with --bot-token. Tunables
// are read from the environment and an optional .env file; see
// internal/config.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diamondburned/magma"
	"github.com/diamondburned/magma/audio/oggsource"
	"github.com/diamondburned/magma/internal/config"
	"github.com/diamondburned/magma/internal/dgvoice"
)

var flags struct {
	userID    string
	guildID   string
	sessionID string
	endpoint  string
	token     string

	botToken  string
	channelID string
}

var rootCmd = &cobra.Command{
	Use:   "magma-play [flags] FILE.ogg",
	Short: "Play an Ogg Opus file into a voice channel",
	Long: `Play an Ogg Opus file into a voice channel once, then leave.

Either pass the voice session from a main gateway connection:
  magma-play --user 1 --guild 2 --session abc --endpoint host:80 --token xyz song.ogg

or let magma-play join with a bot account:
  magma-play --bot-token $BOT_TOKEN --channel 3 song.ogg`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.userID, "user", "", "user ID of the voice session")
	f.StringVar(&flags.guildID, "guild", "", "guild ID of the voice session")
	f.StringVar(&flags.sessionID, "session", "", "session ID from the voice state update")
	f.StringVar(&flags.endpoint, "endpoint", "", "endpoint from the voice server update")
	f.StringVar(&flags.token, "token", "", "token from the voice server update")
	f.StringVar(&flags.botToken, "bot-token", "", "bot token to join the channel with")
	f.StringVar(&flags.channelID, "channel", "", "voice channel to join with --bot-token")

	rootCmd.MarkFlagsRequiredTogether("user", "guild", "session", "endpoint", "token")
	rootCmd.MarkFlagsRequiredTogether("bot-token", "channel")
	rootCmd.MarkFlagsOneRequired("user", "bot-token")
	rootCmd.MarkFlagsMutuallyExclusive("user", "bot-token")
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatal().Err(err).Msg("failed to load .env")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	cfg, err := config.NewConfigFromEnv(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	lvl, _ := cfg.Level()
	zerolog.SetGlobalLevel(lvl)
	cfg.Apply()

	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to open audio file")
	}
	defer f.Close()

	member := magma.Member{UserID: flags.userID, GuildID: flags.guildID}
	update := magma.ServerUpdate{
		SessionID: flags.sessionID,
		Endpoint:  flags.endpoint,
		Token:     flags.token,
	}

	if flags.botToken != "" {
		s, err := openBot(flags.botToken)
		if err != nil {
			return err
		}
		defer s.Close()

		joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		member, update, err = dgvoice.Join(joinCtx, s, flags.channelID)
		cancel()
		if err != nil {
			return err
		}
		defer dgvoice.Leave(s, member.GuildID)
	}

	m := magma.New(cfg.VoiceOptions(&log.Logger))
	defer m.Shutdown(context.Background())

	if err := m.ProvideVoiceServerUpdate(ctx, member, update); err != nil {
		return errors.Wrap(err, "invalid voice session")
	}

	src := oggsource.New(f)
	defer src.Close()

	if err := m.SetSendHandler(ctx, member, src); err != nil {
		return errors.Wrap(err, "failed to set audio source")
	}

	log.Info().Str("file", args[0]).Msg("playing")

	return play(ctx, m, src)
}

func openBot(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot session")
	}
	s.Identify.Intents = dgvoice.Intents

	if err := s.Open(); err != nil {
		return nil, errors.Wrap(err, "failed to open bot session")
	}

	return s, nil
}

// play waits until the file has been played, the connection closes or ctx is
// cancelled.
func play(ctx context.Context, m *magma.Magma, src *oggsource.Source) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev := <-m.Events():
			return errors.Errorf("voice connection closed (%d): %s", ev.CloseCode, ev.Reason)

		case <-ctx.Done():
			log.Info().Msg("interrupted")
			return nil

		case <-ticker.C:
			if src.CanProvide() {
				continue
			}
			if err := src.Err(); err != nil {
				return err
			}

			// Let the silence tail go out.
			time.Sleep(time.Second)
			log.Info().Msg("done playing")
			return nil
		}
	}
}

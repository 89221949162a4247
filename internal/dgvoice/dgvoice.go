// Package dgvoice uses a discordgo main gateway session to obtain the voice
// server updates magma needs.
package dgvoice

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"github.com/diamondburned/magma"
)

// Intents are the gateway intents Join relies on.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

// Join moves the session's user into the voice channel and waits for the voice
// state and voice server updates that follow. Only the main gateway is touched:
// the voice connection itself is left to magma.
func Join(ctx context.Context, s *discordgo.Session, channelID string) (magma.Member, magma.ServerUpdate, error) {
	ch, err := s.State.Channel(channelID)
	if err != nil {
		ch, err = s.Channel(channelID)
		if err != nil {
			return magma.Member{}, magma.ServerUpdate{}, errors.Wrap(err, "failed to get channel")
		}
	}

	if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
		return magma.Member{}, magma.ServerUpdate{}, errors.Errorf("channel %s is not a voice channel", ch.ID)
	}

	if s.State.User == nil {
		return magma.Member{}, magma.ServerUpdate{}, errors.New("session is not ready")
	}
	userID := s.State.User.ID

	states := make(chan *discordgo.VoiceState, 1)
	servers := make(chan *discordgo.VoiceServerUpdate, 1)

	defer s.AddHandler(func(_ *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
		if ev.UserID == userID && ev.GuildID == ch.GuildID && ev.ChannelID == ch.ID {
			select {
			case states <- ev.VoiceState:
			default:
			}
		}
	})()

	defer s.AddHandler(func(_ *discordgo.Session, ev *discordgo.VoiceServerUpdate) {
		if ev.GuildID == ch.GuildID {
			select {
			case servers <- ev:
			default:
			}
		}
	})()

	if err := s.ChannelVoiceJoinManual(ch.GuildID, ch.ID, false, true); err != nil {
		return magma.Member{}, magma.ServerUpdate{}, errors.Wrap(err, "failed to join voice channel")
	}

	var state *discordgo.VoiceState
	var server *discordgo.VoiceServerUpdate

	for state == nil || server == nil {
		select {
		case state = <-states:
		case server = <-servers:
		case <-ctx.Done():
			return magma.Member{}, magma.ServerUpdate{}, errors.Wrap(ctx.Err(), "failed to wait for voice server")
		}
	}

	member := magma.Member{UserID: userID, GuildID: ch.GuildID}
	update := magma.ServerUpdate{
		SessionID: state.SessionID,
		Endpoint:  server.Endpoint,
		Token:     server.Token,
	}

	return member, update, nil
}

// Leave moves the session's user out of any voice channel in the guild.
func Leave(s *discordgo.Session, guildID string) error {
	return s.ChannelVoiceJoinManual(guildID, "", false, false)
}

package discord

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
)

// DiscordEpoch is the Discord epoch constant in time.Duration (nanoseconds)
// since Unix epoch.
const DiscordEpoch = 1420070400000 * time.Millisecond

// Snowflake is the numeric ID type Discord uses for everything. The zero value
// is never a valid ID.
type Snowflake uint64

// ParseSnowflake parses a decimal snowflake string. Empty strings, signs and
// the zero ID are rejected.
func ParseSnowflake(sf string) (Snowflake, error) {
	if sf == "" {
		return 0, errors.New("empty snowflake")
	}

	// discordgo only accepts what fits into a signed 64-bit integer, which is
	// what Discord hands out.
	if _, err := discordgo.SnowflakeTimestamp(sf); err != nil {
		return 0, errors.Wrap(err, "malformed snowflake")
	}

	u, err := strconv.ParseUint(sf, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "malformed snowflake")
	}

	if u == 0 {
		return 0, errors.New("zero snowflake")
	}

	return Snowflake(u), nil
}

func (s *Snowflake) UnmarshalJSON(v []byte) error {
	id := strings.Trim(string(v), `"`)
	if id == "null" {
		*s = 0
		return nil
	}

	u, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return err
	}

	*s = Snowflake(u)
	return nil
}

// MarshalJSON encodes the snowflake as a string, which is what the voice
// gateway expects.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return []byte("null"), nil
	}
	return []byte(`"` + s.String() + `"`), nil
}

func (s Snowflake) String() string { return strconv.FormatUint(uint64(s), 10) }

// IsValid returns true if the snowflake is not zero.
func (s Snowflake) IsValid() bool { return s != 0 }

// Time returns the creation time encoded in the snowflake.
func (s Snowflake) Time() time.Time {
	unixnano := time.Duration(s>>22)*time.Millisecond + DiscordEpoch
	return time.Unix(0, int64(unixnano))
}

// UserID is the snowflake of a user account.
type UserID Snowflake

func ParseUserID(s string) (UserID, error) {
	sf, err := ParseSnowflake(s)
	return UserID(sf), err
}

func (id UserID) MarshalJSON() ([]byte, error)  { return Snowflake(id).MarshalJSON() }
func (id *UserID) UnmarshalJSON(v []byte) error { return (*Snowflake)(id).UnmarshalJSON(v) }
func (id UserID) String() string                { return Snowflake(id).String() }
func (id UserID) IsValid() bool                 { return Snowflake(id).IsValid() }

// GuildID is the snowflake of a guild. The voice gateway calls it a server.
type GuildID Snowflake

func ParseGuildID(s string) (GuildID, error) {
	sf, err := ParseSnowflake(s)
	return GuildID(sf), err
}

func (id GuildID) MarshalJSON() ([]byte, error)  { return Snowflake(id).MarshalJSON() }
func (id *GuildID) UnmarshalJSON(v []byte) error { return (*Snowflake)(id).UnmarshalJSON(v) }
func (id GuildID) String() string                { return Snowflake(id).String() }
func (id GuildID) IsValid() bool                 { return Snowflake(id).IsValid() }

// Milliseconds is a duration in milliseconds as sent by the gateway. Voice
// gateway v4 sends these as floats, e.g. 13750.0.
type Milliseconds float64

// Duration converts ms into a time.Duration.
func (ms Milliseconds) Duration() time.Duration {
	return time.Duration(float64(ms) * float64(time.Millisecond))
}

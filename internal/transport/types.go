package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateInteraction UpdateKind = "interaction"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Interaction *Interaction
}

type Message struct {
	ID          string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	Content     string
	Attachments []Attachment

	// AuthorVoiceChannel is the voice channel the author currently sits in,
	// or "" if they are not in voice.
	AuthorVoiceChannel string
}

type Attachment struct {
	ID       string
	FileName string
	URL      string
}

// Interaction is a user response to an interactive prompt (button press,
// optionally carrying modal input).
type Interaction struct {
	ID        string // gateway interaction reference, used for Acknowledge
	Action    string // registered action id, e.g. "sleep:affirm"
	ActorID   string
	ActorName string
	ChannelID string
	GuildID   string
	MessageID string
	Input     string // free-text payload for actions that require it
}

type ChannelTarget struct {
	ChannelID string
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

type SendOptions struct {
	SuppressEmbeds bool
	// AllowMentions must be set for messages that are expected to ping users.
	// Default is off so countdown/status traffic can never mass-ping by accident.
	AllowMentions bool
}

type Member struct {
	ID       string
	Username string
	Nick     string
	Bot      bool
}

// DisplayName prefers the guild nickname over the account username.
func (m Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.Username
}

// PromptAction describes one response action on an interactive prompt.
type PromptAction struct {
	Action     string // action id delivered back in Interaction.Action
	Label      string
	Danger     bool
	NeedsInput bool   // gateway must collect mandatory free text before emitting the Interaction
	InputLabel string // label for the collected text
}

type Notification struct {
	Target  ChannelTarget
	Text    string
	Options *SendOptions
}

// Adapter is the gateway surface the core depends on. Session management,
// reconnects and wire encoding live behind it.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChannelTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPrompt(ctx context.Context, to ChannelTarget, text string, actions []PromptAction) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// PurgeMessages bulk-deletes up to limit recent messages in the channel
	// and returns how many were removed.
	PurgeMessages(ctx context.Context, to ChannelTarget, limit int) (int, error)

	// ResolveChannel returns the channel name, or an error if the id does not
	// resolve to a reachable channel.
	ResolveChannel(ctx context.Context, channelID string) (string, error)

	// GuildMembers returns the full current roster. It is fetched fresh on
	// every call; the core never caches it.
	GuildMembers(ctx context.Context, guildID string) ([]Member, error)

	// Acknowledge sends a private (actor-only) reply to an interaction.
	Acknowledge(ctx context.Context, interactionID string, text string) error

	// SaveAttachment stages an attachment into dir and returns the local path.
	SaveAttachment(ctx context.Context, att Attachment, dir string) (string, error)

	// HasManageMessages reports whether the user may purge messages in the channel.
	HasManageMessages(ctx context.Context, channelID, userID string) (bool, error)
}

// Voice is the voice-channel surface of the gateway.
type Voice interface {
	JoinVoice(ctx context.Context, guildID, channelID string) error
	LeaveVoice(ctx context.Context, guildID string) error

	// CurrentVoiceChannel returns the channel the bot is connected to in the
	// guild, or "" when not connected.
	CurrentVoiceChannel(guildID string) string
}

package discord

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"vigil/internal/playback"
	logx "vigil/pkg/logx"
)

// Opus parameters Discord expects: 48kHz stereo, 20ms frames.
const (
	sampleRate     = 48000
	channels       = 2
	frameSamples   = 960 // per channel
	frameBytes     = frameSamples * channels * 2
	maxOpusPayload = frameBytes
)

// ErrNotInVoice is returned by the sink when the bot has no live voice
// connection in the guild.
var ErrNotInVoice = errors.New("discord: not connected to a voice channel")

func (a *Adapter) JoinVoice(_ context.Context, guildID, channelID string) error {
	vc, err := a.sess.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("discord: join voice: %w", err)
	}
	a.voiceMu.Lock()
	a.voice[guildID] = vc
	a.voiceMu.Unlock()
	a.log.Info("voice joined", logx.String("guild_id", guildID), logx.String("channel_id", channelID))
	return nil
}

func (a *Adapter) LeaveVoice(_ context.Context, guildID string) error {
	a.voiceMu.Lock()
	vc := a.voice[guildID]
	delete(a.voice, guildID)
	a.voiceMu.Unlock()

	if vc == nil {
		return nil
	}
	if err := vc.Disconnect(); err != nil {
		return fmt.Errorf("discord: leave voice: %w", err)
	}
	a.log.Info("voice left", logx.String("guild_id", guildID))
	return nil
}

func (a *Adapter) CurrentVoiceChannel(guildID string) string {
	a.voiceMu.Lock()
	defer a.voiceMu.Unlock()
	if vc := a.voice[guildID]; vc != nil {
		return vc.ChannelID
	}
	return ""
}

func (a *Adapter) voiceConn(guildID string) *discordgo.VoiceConnection {
	a.voiceMu.Lock()
	defer a.voiceMu.Unlock()
	return a.voice[guildID]
}

func (a *Adapter) disconnectAllVoice() {
	a.voiceMu.Lock()
	conns := make([]*discordgo.VoiceConnection, 0, len(a.voice))
	for _, vc := range a.voice {
		conns = append(conns, vc)
	}
	a.voice = map[string]*discordgo.VoiceConnection{}
	a.voiceMu.Unlock()

	for _, vc := range conns {
		_ = vc.Disconnect()
	}
}

// VoiceSink feeds a source through ffmpeg into the guild's voice connection
// as opus frames. It implements the playback engine's sink contract: the
// termination callback fires exactly once per opened session.
type VoiceSink struct {
	a       *Adapter
	guildID string
	ffmpeg  string
	log     logx.Logger
}

func NewVoiceSink(a *Adapter, guildID, ffmpegPath string, log logx.Logger) *VoiceSink {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &VoiceSink{a: a, guildID: guildID, ffmpeg: ffmpegPath, log: log}
}

func (v *VoiceSink) Open(ctx context.Context, source string, onDone func(err error)) (playback.Session, error) {
	vc := v.a.voiceConn(v.guildID)
	if vc == nil {
		return nil, ErrNotInVoice
	}

	sctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(sctx, v.ffmpeg,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", source,
		"-vn",
		"-f", "s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", fmt.Sprint(channels),
		"-loglevel", "warning",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("discord: start ffmpeg: %w", err)
	}

	sess := &voiceSession{cancel: cancel}
	go v.pump(sctx, cmd, bufio.NewReaderSize(stdout, frameBytes*4), vc, func(err error) {
		sess.finish(onDone, err)
	})
	return sess, nil
}

type voiceSession struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *voiceSession) Stop() { s.cancel() }

func (s *voiceSession) finish(onDone func(error), err error) {
	s.once.Do(func() {
		s.cancel()
		onDone(err)
	})
}

// pump reads s16le frames from ffmpeg, encodes them to opus and ships them to
// the voice connection until EOF, error or cancellation.
func (v *VoiceSink) pump(ctx context.Context, cmd *exec.Cmd, r io.Reader, vc *discordgo.VoiceConnection, done func(error)) {
	defer func() { _ = cmd.Wait() }()

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		done(fmt.Errorf("opus encoder: %w", err))
		return
	}

	_ = vc.Speaking(true)
	defer func() { _ = vc.Speaking(false) }()

	buf := make([]byte, frameBytes)
	pcm := make([]int16, frameSamples*channels)

	for {
		n, rerr := io.ReadFull(r, buf)
		if rerr == io.EOF {
			done(nil)
			return
		}
		if rerr == io.ErrUnexpectedEOF {
			// Final short frame: pad with silence.
			for i := n; i < frameBytes; i++ {
				buf[i] = 0
			}
		} else if rerr != nil {
			if ctx.Err() != nil {
				done(nil) // stopped on purpose
				return
			}
			done(fmt.Errorf("read pcm: %w", rerr))
			return
		}

		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		frame, eerr := enc.Encode(pcm, frameSamples, maxOpusPayload)
		if eerr != nil {
			done(fmt.Errorf("opus encode: %w", eerr))
			return
		}

		select {
		case <-ctx.Done():
			done(nil)
			return
		case vc.OpusSend <- frame:
		}

		if rerr == io.ErrUnexpectedEOF {
			done(nil)
			return
		}
	}
}

package playback

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrResolve wraps failures turning a locator into a playable stream.
	ErrResolve = errors.New("playback: resolution failed")

	// ErrNotPlaying is returned by Skip when no session is active.
	ErrNotPlaying = errors.New("playback: nothing is playing")
)

type Kind string

const (
	// KindRemote items carry a locator resolved to a stream at play-start.
	KindRemote Kind = "remote"
	// KindLocal items are staged files; title and path are known up front.
	KindLocal Kind = "local"
)

// Item is one queued playback request. Exactly one variant is populated;
// use the constructors.
type Item struct {
	Kind Kind

	Locator string // remote only

	Path            string // local only
	Title           string // local only (remote titles come from resolution)
	DeleteAfterPlay bool   // local only

	RequestedBy string
}

func NewRemote(locator, requestedBy string) Item {
	return Item{Kind: KindRemote, Locator: locator, RequestedBy: requestedBy}
}

func NewLocal(path, title string, deleteAfterPlay bool, requestedBy string) Item {
	return Item{Kind: KindLocal, Path: path, Title: title, DeleteAfterPlay: deleteAfterPlay, RequestedBy: requestedBy}
}

// DisplayTitle is what we can show before resolution.
func (it Item) DisplayTitle() string {
	if it.Kind == KindLocal {
		return it.Title
	}
	return it.Locator
}

// Resolved is the outcome of resolving a remote locator.
type Resolved struct {
	Title     string
	StreamURL string
}

// Resolver turns a locator into a directly streamable source. Resolution is
// deferred to play-start because resolved URLs have a short validity window.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (Resolved, error)
}

// Session is one active playback on the audio sink.
type Session interface {
	// Stop halts the session. The sink still invokes the session's
	// termination callback exactly once.
	Stop()
}

// Sink opens playback sessions against the single process-wide audio output.
// onDone is invoked exactly once when the session terminates, whether by
// natural end, error, or Stop.
type Sink interface {
	Open(ctx context.Context, source string, onDone func(err error)) (Session, error)
}

// Messenger is the slice of the gateway the engine uses to announce
// now-playing titles and report failures to the originating channel.
type Messenger interface {
	SendText(ctx context.Context, to Target, text string, opts *SendOpts) error
}

// Target and SendOpts alias the transport types at the engine boundary so the
// engine stays testable without a gateway.
type Target struct {
	ChannelID string
}

type SendOpts struct {
	SuppressEmbeds bool
}

// PlayRecord is the history row written after each completed playback.
type PlayRecord struct {
	Title       string
	Kind        string
	RequestedBy string
	PlayedAt    time.Time
}

// History receives completed playback records. Implementations must tolerate
// failure; the engine logs and continues.
type History interface {
	RecordPlay(ctx context.Context, rec PlayRecord) error
}

// Snapshot is a point-in-time view of the queue for status output.
type Snapshot struct {
	Playing      bool
	CurrentTitle string
	Pending      []string
}

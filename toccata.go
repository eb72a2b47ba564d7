// Package toccata synchronises a Google Drive folder to a local image
// cache with a table of contents, built for devices that wake rarely
// and must survive without connectivity.
package toccata

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/epaperframe/toccata/ratelimit"
	"github.com/epaperframe/toccata/storage"
	"github.com/epaperframe/toccata/toc"
	"github.com/epaperframe/toccata/transport"
)

// Authenticator represents any struct which can create an access token
// on demand.
type Authenticator interface {
	AccessToken() (string, int64, error)
}

// A TokenInvalidator can drop its cached token after a rejection.
type TokenInvalidator interface {
	Invalidate()
}

// ErrInvalidCredentials occurs when the Drive API keeps rejecting the
// access token even after a refresh.
var ErrInvalidCredentials = errors.New("toccata: invalid credentials")

// ErrNetwork is the result of a networking error while contacting the
// Drive API, including permanent rejections and exhausted retries.
var ErrNetwork = errors.New("toccata: network related error")

// ErrDownload occurs when a file body cannot be retrieved or verified.
var ErrDownload = errors.New("toccata: download failed")

// ErrEmptyListing occurs when a refresh produced zero usable entries.
var ErrEmptyListing = errors.New("toccata: listing returned no files")

// ImageSource tells where a returned image came from.
type ImageSource int

const (
	// SourceCloud marks a freshly downloaded image.
	SourceCloud ImageSource = iota

	// SourceCache marks an image served from the local cache after a
	// failed download.
	SourceCache
)

func (s ImageSource) String() string {
	if s == SourceCache {
		return "cache"
	}
	return "cloud"
}

// Settings configure a Session.
type Settings struct {
	// FolderID is the Drive folder to synchronise.
	FolderID string

	// PageSize is the number of entries requested per listing page.
	PageSize int

	// AllowedExtensions filters the listing, matched case-insensitively.
	// An empty slice admits everything.
	AllowedExtensions []string

	// TOCMaxAge is how long a listing stays fresh.
	TOCMaxAge time.Duration

	// MaxRetries bounds the attempts per API call.
	MaxRetries int

	// Paths of the local cache layout.
	DataFile  string
	MetaFile  string
	TokenFile string
	ImageDir  string
	TempDir   string
	CacheRoot string
}

// A Session is a synchronisation frontend for one Drive folder.
type Session struct {
	settings Settings
	auth     Authenticator
	store    *storage.Storage
	limiter  *ratelimit.Limiter
	fetch    *fetcher
	clock    clockwork.Clock
	log      zerolog.Logger
}

// An Option can override some of the default Session values.
type Option func(*Session)

// WithClock allows one to override the wall clock, mostly for testing.
func WithClock(clock clockwork.Clock) Option {
	return func(session *Session) {
		session.clock = clock
		session.fetch.clock = clock
	}
}

// WithLogger attaches a logger to the Session.
func WithLogger(log zerolog.Logger) Option {
	return func(session *Session) {
		session.log = log
		session.fetch.log = log
	}
}

// WithDialer allows one to override how the Drive API is reached.
func WithDialer(dial transport.Dialer) Option {
	return func(session *Session) {
		session.fetch.dial = dial
	}
}

// WithDriveEndpoint allows one to override the Drive API host and port.
func WithDriveEndpoint(host string, port int) Option {
	return func(session *Session) {
		session.fetch.host = host
		session.fetch.port = port
	}
}

// New creates a new Session.
func New(settings Settings, auth Authenticator, store *storage.Storage, limiter *ratelimit.Limiter, opts ...Option) *Session {
	if settings.MaxRetries < 1 {
		settings.MaxRetries = 3
	}
	if settings.PageSize < 1 {
		settings.PageSize = 100
	}

	fetch := &fetcher{
		auth:       auth,
		dial:       &transport.TLSDialer{},
		limiter:    limiter,
		clock:      clockwork.NewRealClock(),
		log:        zerolog.Nop(),
		host:       "www.googleapis.com",
		port:       443,
		maxRetries: settings.MaxRetries,
	}

	session := &Session{
		settings: settings,
		auth:     auth,
		store:    store,
		limiter:  limiter,
		fetch:    fetch,
		clock:    clockwork.NewRealClock(),
		log:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(session)
	}

	return session
}

// TOC returns a parser over the current on-disk table of contents.
func (session *Session) TOC() *toc.Parser {
	return toc.NewParser(session.store.Fs(), session.settings.DataFile, session.settings.MetaFile,
		toc.WithParserLogger(session.log))
}

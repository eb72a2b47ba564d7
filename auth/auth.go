// Package auth turns a Google service account key into short-lived
// Drive access tokens.
//
// The manager signs an RS256 JWT assertion, exchanges it at the OAuth2
// token endpoint, and persists the resulting token so a restart within
// the token lifetime does not spend another exchange.
package auth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/epaperframe/toccata/ratelimit"
	"github.com/epaperframe/toccata/transport"
)

// ErrInvalidKey occurs when the service account private key cannot be
// parsed as a PEM-encoded RSA key.
var ErrInvalidKey = errors.New("auth: invalid private key")

// ErrSignJWT occurs when signing the token assertion fails.
var ErrSignJWT = errors.New("auth: cannot sign assertion")

// ErrExchange occurs when the token endpoint rejects the assertion or
// cannot be reached within the retry budget.
var ErrExchange = errors.New("auth: token exchange failed")

const (
	driveScope    = "https://www.googleapis.com/auth/drive.readonly"
	tokenAudience = "https://oauth2.googleapis.com/token"
	tokenHost     = "oauth2.googleapis.com"
	tokenPath     = "/token"
	tokenPort     = 443

	// assertion lifetime requested from Google
	tokenLifetime = time.Hour

	// a persisted token within this margin of expiry is not reused
	reuseMargin = 5 * time.Minute

	// an in-memory token within this margin of expiry is refreshed early
	refreshMargin = time.Minute

	maxAttempts = 3
)

// Credentials identify a Google service account.
type Credentials struct {
	Email      string
	PrivateKey []byte
	ClientID   string
}

// A Token is an access token with its validity window, as persisted
// on disk.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	ObtainedAt  int64  `json:"obtained_at"`
}

// Valid reports whether the token looks structurally sound.
func (t Token) Valid() bool {
	return t.AccessToken != "" && t.ExpiresAt > t.ObtainedAt
}

// ExpiresWithin reports whether the token expires before now+margin.
func (t Token) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return now.Add(margin).Unix() >= t.ExpiresAt
}

// A Manager obtains, caches and persists access tokens.
// Manager is not safe for concurrent use.
type Manager struct {
	creds     Credentials
	key       *rsa.PrivateKey
	fs        afero.Fs
	tokenFile string
	limiter   *ratelimit.Limiter

	dial  transport.Dialer
	host  string
	port  int
	clock clockwork.Clock
	log   zerolog.Logger

	token Token
}

// An Option can override some of the default Manager values.
type Option func(*Manager)

// WithClock allows one to override the wall clock, mostly for testing.
func WithClock(clock clockwork.Clock) Option {
	return func(manager *Manager) {
		manager.clock = clock
	}
}

// WithLogger attaches a logger to the Manager.
func WithLogger(log zerolog.Logger) Option {
	return func(manager *Manager) {
		manager.log = log
	}
}

// WithDialer allows one to override how the token endpoint is reached.
func WithDialer(dial transport.Dialer) Option {
	return func(manager *Manager) {
		manager.dial = dial
	}
}

// WithEndpoint allows one to override the token endpoint host and port.
func WithEndpoint(host string, port int) Option {
	return func(manager *Manager) {
		manager.host = host
		manager.port = port
	}
}

// New creates a Manager for the given service account.
//
// tokenFile is where tokens are persisted across restarts; an empty
// path disables persistence.
func New(creds Credentials, fs afero.Fs, tokenFile string, limiter *ratelimit.Limiter, opts ...Option) (*Manager, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidKey)
	}

	manager := &Manager{
		creds:     creds,
		key:       key,
		fs:        fs,
		tokenFile: tokenFile,
		limiter:   limiter,
		dial:      &transport.TLSDialer{},
		host:      tokenHost,
		port:      tokenPort,
		clock:     clockwork.NewRealClock(),
		log:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager, nil
}

// AccessToken returns a valid access token and its expiry as a Unix
// timestamp, fetching a fresh one when needed.
func (manager *Manager) AccessToken() (string, int64, error) {
	now := manager.clock.Now()

	if manager.token.Valid() && !manager.token.ExpiresWithin(now, refreshMargin) {
		return manager.token.AccessToken, manager.token.ExpiresAt, nil
	}

	if token, ok := manager.loadPersisted(now); ok {
		manager.token = token
		manager.log.Debug().
			Int64("expiresAt", token.ExpiresAt).
			Msg("reusing persisted access token")
		return token.AccessToken, token.ExpiresAt, nil
	}

	if err := manager.exchange(); err != nil {
		return "", 0, err
	}

	return manager.token.AccessToken, manager.token.ExpiresAt, nil
}

// Invalidate drops the cached token and its persisted copy, forcing the
// next AccessToken call to perform a fresh exchange.
func (manager *Manager) Invalidate() {
	manager.token = Token{}

	if manager.tokenFile != "" {
		manager.fs.Remove(manager.tokenFile)
	}
}

func (manager *Manager) loadPersisted(now time.Time) (Token, bool) {
	if manager.tokenFile == "" {
		return Token{}, false
	}

	content, err := afero.ReadFile(manager.fs, manager.tokenFile)
	if err != nil {
		return Token{}, false
	}

	var token Token
	if err := json.Unmarshal(content, &token); err != nil {
		manager.log.Warn().Err(err).Msg("discarding unreadable token file")
		manager.fs.Remove(manager.tokenFile)
		return Token{}, false
	}

	if !token.Valid() || token.ExpiresWithin(now, reuseMargin) {
		return Token{}, false
	}

	return token, true
}

func (manager *Manager) persist(token Token) {
	if manager.tokenFile == "" {
		return
	}

	content, err := json.Marshal(token)
	if err != nil {
		return
	}

	if err := afero.WriteFile(manager.fs, manager.tokenFile, content, 0o600); err != nil {
		manager.log.Warn().Err(err).Msg("cannot persist access token")
	}
}

// assertion builds and signs the JWT the token endpoint expects.
func (manager *Manager) assertion(now time.Time) (string, error) {
	// a badly drifted clock produces assertions Google rejects
	if year := now.Year(); year < 2020 || year > 2100 {
		manager.log.Warn().
			Time("now", now).
			Msg("system clock looks wrong, token exchange may fail")
	}

	claims := jwt.MapClaims{
		"iss":   manager.creds.Email,
		"scope": driveScope,
		"aud":   tokenAudience,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(manager.key)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrSignJWT)
	}

	return signed, nil
}

// exchange posts the signed assertion to the token endpoint, retrying
// transient failures with exponential backoff.
func (manager *Manager) exchange() error {
	assertion, err := manager.assertion(manager.clock.Now())
	if err != nil {
		return err
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	body := []byte(form.Encode())

	if err := manager.limiter.Wait(); err != nil {
		return err
	}

	var attempt int
	for {
		manager.limiter.Record()

		status, payload, err := manager.post(body)
		if err == nil && status == 200 {
			return manager.adopt(payload)
		}

		failure := ratelimit.Classify(status, err != nil)

		switch failure {
		case ratelimit.FailureTransient, ratelimit.FailureRateLimit:
			if attempt >= maxAttempts-1 {
				return fmt.Errorf("status %d after %d attempts: %w", status, attempt+1, ErrExchange)
			}

			delay := manager.limiter.Jitter(manager.limiter.Backoff(attempt))
			manager.log.Info().
				Int("status", status).
				Stringer("failure", failure).
				Dur("delay", delay).
				Msg("retrying token exchange")

			manager.clock.Sleep(delay)
			attempt++

		default:
			// the token endpoint rejecting the assertion is not retryable
			return fmt.Errorf("status %d: %w", status, ErrExchange)
		}
	}
}

// post performs one POST to the token endpoint. A zero status with a
// non-nil error marks a connection-level failure.
func (manager *Manager) post(body []byte) (int, []byte, error) {
	conn, err := manager.dial.Dial(manager.host, manager.port)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	req := &transport.Request{
		Method:  "POST",
		Path:    tokenPath,
		Host:    manager.host,
		Headers: []string{"Content-Type: application/x-www-form-urlencoded"},
		Body:    body,
	}

	if err := req.WriteTo(conn); err != nil {
		return 0, nil, err
	}

	res, err := transport.ReadResponse(conn)
	if err != nil {
		return 0, nil, err
	}

	payload, err := io.ReadAll(res.Body())
	if err != nil {
		return 0, nil, err
	}

	return res.StatusCode, payload, nil
}

func (manager *Manager) adopt(payload []byte) error {
	var response struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}

	if err := json.Unmarshal(payload, &response); err != nil {
		return fmt.Errorf("%v: %w", err, ErrExchange)
	}
	if response.AccessToken == "" {
		return fmt.Errorf("empty access token: %w", ErrExchange)
	}

	now := manager.clock.Now()

	manager.token = Token{
		AccessToken: response.AccessToken,
		ObtainedAt:  now.Unix(),
		ExpiresAt:   now.Unix() + response.ExpiresIn,
	}
	manager.persist(manager.token)

	manager.log.Info().
		Int64("expiresAt", manager.token.ExpiresAt).
		Msg("obtained access token")

	return nil
}

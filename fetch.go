package toccata

import (
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/epaperframe/toccata/ratelimit"
	"github.com/epaperframe/toccata/transport"
)

type fetcher struct {
	auth       Authenticator
	dial       transport.Dialer
	limiter    *ratelimit.Limiter
	clock      clockwork.Clock
	log        zerolog.Logger
	host       string
	port       int
	maxRetries int
}

// apiResponse bundles a parsed response with the connection its body
// streams from.
type apiResponse struct {
	res  *transport.Response
	conn transport.Conn
}

func (r *apiResponse) Body() io.Reader {
	return r.res.Body()
}

func (r *apiResponse) Close() {
	r.conn.Close()
}

// withAuth performs one authenticated GET, retrying transient failures
// with exponential backoff and refreshing a rejected token once.
func (fetch *fetcher) withAuth(path string) (*apiResponse, error) {
	if err := fetch.limiter.Wait(); err != nil {
		return nil, err
	}

	var attempt int
	var refreshed bool

	for {
		token, _, err := fetch.auth.AccessToken()
		if err != nil {
			return nil, err
		}

		fetch.limiter.Record()

		res, conn, err := fetch.get(path, token)
		if err == nil && res.StatusCode == 200 {
			return &apiResponse{res: res, conn: conn}, nil
		}

		if conn != nil {
			conn.Close()
		}

		var status int
		if res != nil {
			status = res.StatusCode
		}

		failure := ratelimit.Classify(status, err != nil)

		switch failure {
		case ratelimit.FailureTokenExpired:
			if !refreshed {
				refreshed = true
				if invalidator, ok := fetch.auth.(TokenInvalidator); ok {
					invalidator.Invalidate()
				}
				fetch.log.Info().Msg("access token rejected, refreshing")
				continue
			}
			return nil, fmt.Errorf("status %d: %w", status, ErrInvalidCredentials)

		case ratelimit.FailureTransient, ratelimit.FailureRateLimit:
			if attempt >= fetch.maxRetries-1 {
				return nil, fmt.Errorf("status %d after %d attempts: %w",
					status, attempt+1, ErrNetwork)
			}

			delay := fetch.limiter.Jitter(fetch.limiter.Backoff(attempt))
			fetch.log.Info().
				Int("status", status).
				Stringer("failure", failure).
				Dur("delay", delay).
				Str("path", path).
				Msg("retrying request")

			fetch.clock.Sleep(delay)
			attempt++

		default:
			return nil, fmt.Errorf("status %d: %w", status, ErrNetwork)
		}
	}
}

// get performs a single GET on a fresh connection. The connection is
// returned alongside the response so the caller can stream the body.
func (fetch *fetcher) get(path, token string) (*transport.Response, transport.Conn, error) {
	conn, err := fetch.dial.Dial(fetch.host, fetch.port)
	if err != nil {
		return nil, nil, err
	}

	req := &transport.Request{
		Method:  "GET",
		Path:    path,
		Host:    fetch.host,
		Headers: []string{"Authorization: Bearer " + token},
	}

	if err := req.WriteTo(conn); err != nil {
		return nil, conn, err
	}

	res, err := transport.ReadResponse(conn)
	if err != nil {
		return nil, conn, err
	}

	return res, conn, nil
}

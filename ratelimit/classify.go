package ratelimit

// FailureType categorises a failed API call so retry loops can decide
// between backing off, refreshing credentials, and giving up.
type FailureType int

const (
	// FailureUnknown is returned for responses that did not fail.
	FailureUnknown FailureType = iota

	// FailurePermanent covers client errors that a retry cannot fix.
	FailurePermanent

	// FailureTransient covers server errors and dropped connections.
	FailureTransient

	// FailureRateLimit marks quota exhaustion on the remote side.
	FailureRateLimit

	// FailureTokenExpired marks a rejected access token.
	FailureTokenExpired
)

func (ft FailureType) String() string {
	switch ft {
	case FailurePermanent:
		return "permanent"
	case FailureTransient:
		return "transient"
	case FailureRateLimit:
		return "ratelimit"
	case FailureTokenExpired:
		return "token-expired"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status code to a FailureType. A status of zero
// or networkErr set to true marks a connection-level failure.
func Classify(statusCode int, networkErr bool) FailureType {
	if networkErr || statusCode <= 0 {
		return FailureTransient
	}

	switch {
	case statusCode == 429:
		return FailureRateLimit
	case statusCode == 401:
		return FailureTokenExpired
	case statusCode == 408, statusCode == 423, statusCode == 424:
		return FailureTransient
	case statusCode >= 400 && statusCode < 500:
		return FailurePermanent
	case statusCode >= 500:
		return FailureTransient
	default:
		return FailureUnknown
	}
}

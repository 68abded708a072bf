package security

import "time"

// DefaultClockSkewGracePeriod is the allowance applied when deciding whether
// a token is expired. Clocks between this process and the authorization
// server are rarely perfectly aligned.
const DefaultClockSkewGracePeriod = 5 * time.Second

// DefaultRefreshSkew is how long before an access token's expiry a proactive
// refresh fires.
const DefaultRefreshSkew = 60 * time.Second

// IsTokenExpired checks whether a token with the given expiry is expired,
// accounting for clock skew.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithSkew(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithSkew checks whether a token is expired with a custom
// clock skew grace period. A zero expiry time never expires.
func IsTokenExpiredWithSkew(expiresAt time.Time, skew time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(skew))
}

// IsTokenExpiringSoon checks whether a token expires within the given
// duration. Used to decide whether to refresh before serving a request.
func IsTokenExpiringSoon(expiresAt time.Time, within time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(within).After(expiresAt)
}

// RefreshDelay returns how long to wait before proactively refreshing a
// token with the given expiry: the time until expiry minus skew, clamped to
// zero so already-stale tokens refresh immediately.
func RefreshDelay(now, expiresAt time.Time, skew time.Duration) time.Duration {
	delay := expiresAt.Sub(now) - skew
	if delay < 0 {
		return 0
	}
	return delay
}

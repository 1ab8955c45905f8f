package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Challenge describes the HTTP response an unauthenticated request should
// receive: a status code and a WWW-Authenticate header per RFC 6750.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// RequiredChallenge indicates credentials are required. RFC 6750 s3.1: a
// request with no credentials gets a bare Bearer challenge without an error
// code.
func RequiredChallenge(realm string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: bearerValue(realm),
	}
}

// MalformedHeaderChallenge indicates the Authorization header could not be
// parsed.
func MalformedHeaderChallenge(realm, description string) Challenge {
	return Challenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: bearerValue(realm, "error", "invalid_request", "error_description", description),
	}
}

// InvalidTokenChallenge indicates the presented token failed validation.
func InvalidTokenChallenge(realm, description string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: bearerValue(realm, "error", "invalid_token", "error_description", description),
	}
}

// bearerValue assembles a Bearer challenge value from alternating key/value
// pairs. Realm is omitted when empty.
func bearerValue(realm string, kv ...string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	pieces := make([]string, 0, 1+len(kv)/2)
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for i := 0; i+1 < len(kv); i += 2 {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, kv[i], esc(kv[i+1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

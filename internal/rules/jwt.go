package rules

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"guardian/internal/config"
	"guardian/internal/core"
)

// jwtRule matches requests carrying a bearer token and buckets them by a
// claim, so a logged-in user behind a shared NAT is never throttled by the
// anonymous traffic on the same IP. When a secret is configured the
// signature is verified; otherwise claims are read unverified, which is
// enough for bucketing because a forged token only moves the forger into a
// bucket that is still quota-limited.
type jwtRule struct {
	name       string
	keyClaim   string
	wantClaim  string
	wantValues map[string]bool
	secret     []byte
}

func newJWTRule(rc config.Rule) (*jwtRule, error) {
	r := &jwtRule{
		name:     rc.Name,
		keyClaim: rc.Claim,
	}
	if r.keyClaim == "" {
		r.keyClaim = "sub"
	}
	if rc.WantClaim != "" {
		r.wantClaim = rc.WantClaim
		r.wantValues = make(map[string]bool, len(rc.WantValues))
		for _, v := range rc.WantValues {
			r.wantValues[v] = true
		}
	}
	if rc.Secret != "" {
		r.secret = []byte(rc.Secret)
	}
	return r, nil
}

func (r *jwtRule) Name() string { return r.name }

func (r *jwtRule) Evaluate(req core.Request) (string, bool, error) {
	raw := bearerToken(req)
	if raw == "" {
		return "", false, nil
	}

	claims, err := r.parseClaims(raw)
	if err != nil {
		return "", false, err
	}

	if r.wantClaim != "" {
		val, _ := claims[r.wantClaim].(string)
		if !r.wantValues[val] {
			return "", false, nil
		}
	}

	key, _ := claims[r.keyClaim].(string)
	if key == "" {
		return "", false, nil
	}
	return key, true, nil
}

func (r *jwtRule) parseClaims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	if r.secret != nil {
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return r.secret, nil
		})
		if err != nil {
			return nil, err
		}
		if !token.Valid {
			return nil, fmt.Errorf("invalid token")
		}
		return claims, nil
	}

	// Unverified parse: bucketing only, never authentication.
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// bearerToken extracts the bearer token from the Authorization header
func bearerToken(req core.Request) string {
	auth := req.Header("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

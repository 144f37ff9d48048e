package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Role is the principal's privilege tier, ordered.
type Role string

const (
	RoleAnonymous  Role = "anonymous"
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

var roleRank = map[Role]int{
	RoleAnonymous:  0,
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// AtLeast reports whether r grants the privileges of min.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Identity is the validated principal of a connection at a point in time.
// Downstream code never sees the original token form.
type Identity struct {
	PrincipalID string
	Role        Role
	SessionID   string
	TokenExpiry time.Time
}

// Anonymous is the identity of an unauthenticated connection.
func Anonymous() Identity {
	return Identity{Role: RoleAnonymous}
}

// IsAuthenticated reports whether the identity carries a real principal.
func (id Identity) IsAuthenticated() bool {
	return id.PrincipalID != "" && id.Role != RoleAnonymous
}

// Claims is the gateway's JWT payload.
type Claims struct {
	Role      string `json:"role"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a process-configured HMAC
// secret. The secret is read-only after construction.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier builds a Verifier. issuer is matched against the token's iss
// claim when non-empty.
func NewVerifier(secret string, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify validates a bearer token string and converges on an Identity.
// Expired tokens map to 4401, everything else invalid to 4011.
func (v *Verifier) Verify(tokenString string) (Identity, *protocol.Error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Anonymous(), protocol.NewError(protocol.CodeTokenExpired, "token expired")
		}
		return Anonymous(), protocol.NewError(protocol.CodeInvalidToken, "invalid authentication token")
	}
	if !token.Valid || claims.Subject == "" {
		return Anonymous(), protocol.NewError(protocol.CodeInvalidToken, "invalid token claims")
	}

	role := Role(claims.Role)
	if _, ok := roleRank[role]; !ok || role == RoleAnonymous {
		role = RoleUser
	}

	id := Identity{
		PrincipalID: claims.Subject,
		Role:        role,
		SessionID:   claims.SessionID,
	}
	if claims.ExpiresAt != nil {
		id.TokenExpiry = claims.ExpiresAt.Time
	}
	return id, nil
}

// VerifyAtConnect resolves the handshake identity: the session cookie is
// checked first, then the token query parameter. Missing or invalid
// credentials yield an anonymous identity; the connection is still
// accepted and restricted topics are refused later at subscribe time.
func (v *Verifier) VerifyAtConnect(r *http.Request) Identity {
	if cookie, err := r.Cookie("session"); err == nil && cookie.Value != "" {
		if id, perr := v.Verify(cookie.Value); perr == nil {
			return id
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		if id, perr := v.Verify(token); perr == nil {
			return id
		}
	}
	return Anonymous()
}

// Generate mints a token for the given principal. Used by tests and the
// admin tooling; the REST surface that normally issues sessions lives in
// another service.
func (v *Verifier) Generate(principalID string, role Role, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:      string(role),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

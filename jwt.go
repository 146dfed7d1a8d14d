package realtime

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the session token issued by the platform.
// parsed unverified on the client; the server is the only verifier.
type SessionToken struct {
	UserId   Id
	UserName string
}

func ParseSessionTokenUnverified(token string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionToken.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		sessionToken.UserName = userName
	}

	return sessionToken, nil
}

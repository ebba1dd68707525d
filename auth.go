package liveresource

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientAuth identifies this client to the socket endpoint.
type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (string, error) {
	claims, err := ParseClientJwt(self.ByJwt)
	if err != nil {
		return "", err
	}
	return claims.ClientId, nil
}

type ClientJwt struct {
	UserId   string
	ClientId string
}

// ParseClientJwt extracts the identity claims without verifying the
// signature. Verification is the platform's job; the client only needs the
// ids for logging and the socket handshake.
func ParseClientJwt(byJwt string) (*ClientJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	clientJwt := &ClientJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		clientJwt.UserId = userId
	}
	if clientId, ok := claims["client_id"].(string); ok {
		clientJwt.ClientId = clientId
	}
	return clientJwt, nil
}

package liveresource

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseClientJwt(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   "u1",
		"client_id": "c1",
	})
	byJwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)

	claims, err := ParseClientJwt(byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, "u1", claims.UserId)
	assert.Equal(t, "c1", claims.ClientId)

	auth := &ClientAuth{
		ByJwt:      byJwt,
		InstanceId: NewId(),
	}
	clientId, err := auth.ClientId()
	assert.Equal(t, nil, err)
	assert.Equal(t, "c1", clientId)

	_, err = ParseClientJwt("not-a-jwt")
	assert.NotEqual(t, nil, err)
}

package chat

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

// UserId extracts the local user id from the auth token without waiting
// for the current_user event. the token is not verified client side; the
// server is the authority on identity.
func (self *ClientAuth) UserId() (string, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return byJwt.UserId, nil
}

type ByJwt struct {
	UserId   string
	UserName string
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	}
	if userName, ok := claims["username"].(string); ok {
		byJwt.UserName = userName
	}
	return byJwt, nil
}

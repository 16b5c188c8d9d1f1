package setsync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ByJwt struct {
	UserId    string
	UserAuth  string
	FirstName string
}

// the token is issued and verified by the backend; the client only reads
// identity claims out of it
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userId, ok := claims["user_id"]; ok {
		if userIdStr, ok := userId.(string); ok {
			byJwt.UserId = userIdStr
		}
	}
	if byJwt.UserId == "" {
		if sub, ok := claims["sub"]; ok {
			if subStr, ok := sub.(string); ok {
				byJwt.UserId = subStr
			}
		}
	}
	if userAuth, ok := claims["user_auth"]; ok {
		if userAuthStr, ok := userAuth.(string); ok {
			byJwt.UserAuth = userAuthStr
		}
	}
	if firstName, ok := claims["first_name"]; ok {
		if firstNameStr, ok := firstName.(string); ok {
			byJwt.FirstName = firstNameStr
		}
	}

	return byJwt, nil
}

package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// who the local user is, injected wherever presence needs an identity.
// never read out of ambient state so that tests can fix identities.
type IdentityProvider interface {
	UserId() Id
	UserName() string
}

type StaticIdentity struct {
	userId Id
	name   string
}

func NewStaticIdentity(userId Id, name string) *StaticIdentity {
	return &StaticIdentity{
		userId: userId,
		name:   name,
	}
}

// a fresh anonymous identity for viewers without a token
func NewAnonymousIdentity() *StaticIdentity {
	userId := NewId()
	return &StaticIdentity{
		userId: userId,
		name:   fmt.Sprintf("guest-%s", userId.String()[0:8]),
	}
}

func (self *StaticIdentity) UserId() Id {
	return self.userId
}

func (self *StaticIdentity) UserName() string {
	return self.name
}

// identity from the platform jwt claims. the claims are read
// unverified; verification is the platform's job on every call the
// token accompanies.
type JwtIdentity struct {
	userId Id
	name   string
}

func NewJwtIdentity(byJwt string) (*JwtIdentity, error) {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(byJwt, claims); err != nil {
		return nil, err
	}

	jwtUserId, ok := claims["user_id"]
	if !ok {
		return nil, fmt.Errorf("jwt does not have a user_id")
	}
	var userId Id
	switch v := jwtUserId.(type) {
	case string:
		var err error
		userId, err = ParseId(v)
		if err != nil {
			return nil, fmt.Errorf("jwt has invalid user_id (%s)", err)
		}
	default:
		return nil, fmt.Errorf("jwt has invalid user_id (%T)", v)
	}

	name := ""
	if jwtUserName, ok := claims["user_name"]; ok {
		if v, ok := jwtUserName.(string); ok {
			name = v
		}
	}

	return &JwtIdentity{
		userId: userId,
		name:   name,
	}, nil
}

func (self *JwtIdentity) UserId() Id {
	return self.userId
}

func (self *JwtIdentity) UserName() string {
	return self.name
}

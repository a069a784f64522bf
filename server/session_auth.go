// Copyright 2023 The Codeclash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/gofrs/uuid"
)

var ErrTokenInvalid = errors.New("session token invalid")

// SessionTokenClaims are the claims carried in a session bearer token.
type SessionTokenClaims struct {
	UserID    string `json:"uid"`
	Username  string `json:"usn"`
	Role      string `json:"rol"`
	ExpiresAt int64  `json:"exp"`
}

func (c *SessionTokenClaims) Valid() error {
	if c.ExpiresAt <= time.Now().UTC().Unix() {
		return jwt.NewValidationError("token is expired", jwt.ValidationErrorExpired)
	}
	return nil
}

// TokenVerifier authenticates session bearer tokens presented on connect.
type TokenVerifier interface {
	// Verify returns the authenticated identity, or an error when the token
	// is missing, malformed, expired or has a bad signature.
	Verify(token string) (userID uuid.UUID, username string, role Role, expiry int64, err error)
}

type localTokenVerifier struct {
	config Config
}

func NewLocalTokenVerifier(config Config) TokenVerifier {
	return &localTokenVerifier{config: config}
}

func (v *localTokenVerifier) Verify(tokenString string) (uuid.UUID, string, Role, int64, error) {
	if tokenString == "" {
		return uuid.Nil, "", "", 0, ErrTokenInvalid
	}

	claims := &SessionTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(v.config.GetSession().SigningKey), nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, "", "", 0, ErrTokenInvalid
	}

	userID, err := uuid.FromString(claims.UserID)
	if err != nil {
		return uuid.Nil, "", "", 0, ErrTokenInvalid
	}

	role := Role(claims.Role)
	if role != RoleParticipant && role != RoleAdmin {
		role = RoleParticipant
	}

	return userID, claims.Username, role, claims.ExpiresAt, nil
}

// GenerateSessionToken mints a signed session token. Used by operational
// tooling and tests, token issuance is otherwise external to this server.
func GenerateSessionToken(config Config, userID uuid.UUID, username string, role Role) (string, int64) {
	exp := time.Now().UTC().Add(time.Duration(config.GetSession().TokenExpirySec) * time.Second).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionTokenClaims{
		UserID:    userID.String(),
		Username:  username,
		Role:      string(role),
		ExpiresAt: exp,
	})
	signedToken, _ := token.SignedString([]byte(config.GetSession().SigningKey))
	return signedToken, exp
}

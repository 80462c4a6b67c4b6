package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential is the authenticated identity returned by login.
type Credential struct {
	UserID  string
	Token   string
	Expires time.Time
}

// Expired reports whether the token expiry has passed at now. A zero expiry never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

type loginResult struct {
	ID           string `json:"id"`
	Token        string `json:"token"`
	TokenExpires *struct {
		Date int64 `json:"$date"`
	} `json:"tokenExpires"`
}

func parseCredential(raw json.RawMessage) (Credential, error) {
	if len(raw) == 0 {
		return Credential{}, fmt.Errorf("%w: empty result", ErrInvalidCredential)
	}
	var res loginResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if strings.TrimSpace(res.ID) == "" {
		return Credential{}, fmt.Errorf("%w: missing id", ErrInvalidCredential)
	}
	if strings.TrimSpace(res.Token) == "" {
		return Credential{}, fmt.Errorf("%w: missing token", ErrInvalidCredential)
	}
	cred := Credential{UserID: res.ID, Token: res.Token}
	if res.TokenExpires != nil && res.TokenExpires.Date > 0 {
		cred.Expires = time.UnixMilli(res.TokenExpires.Date).UTC()
	}
	return cred, nil
}

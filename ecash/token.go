package ecash

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const tokenPrefix = "fedmintA"

var ErrInvalidToken = errors.New("invalid token")

// Token is a transferable bundle of notes issued by one federation.
type Token struct {
	Federation string `cbor:"1,keyasint" json:"f"`
	Notes      Notes  `cbor:"2,keyasint" json:"n"`
	Memo       string `cbor:"3,keyasint,omitempty" json:"d,omitempty"`
}

func NewToken(notes Notes, federation, memo string) Token {
	return Token{Federation: federation, Notes: notes, Memo: memo}
}

func (t Token) Amount() uint64 {
	return t.Notes.Amount()
}

func (t Token) Serialize() (string, error) {
	cborData, err := Encode(t)
	if err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(cborData), nil
}

func DecodeToken(tokenstr string) (*Token, error) {
	if !strings.HasPrefix(tokenstr, tokenPrefix) {
		return nil, ErrInvalidToken
	}
	base64Token := tokenstr[len(tokenPrefix):]

	tokenBytes, err := base64.RawURLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.URLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var token Token
	if err := Decode(tokenBytes, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &token, nil
}

// CheckDuplicateNonces returns true if any nonce appears more than once.
func CheckDuplicateNonces(notes Notes) bool {
	seen := make(map[Nonce]bool, len(notes))
	for _, note := range notes {
		if seen[note.Nonce] {
			return true
		}
		seen[note.Nonce] = true
	}
	return false
}

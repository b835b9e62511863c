package rooms

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// roomIDBytes is the entropy of a generated room id (128 bits).
const roomIDBytes = 16

// NewRoomID returns a random URL-safe room id (unpadded base64url).
func NewRoomID() (RoomID, error) {
	var buf [roomIDBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	return RoomID(base64.RawURLEncoding.EncodeToString(buf[:])), nil
}

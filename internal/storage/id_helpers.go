package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func generateID() string {
	return uuid.NewString()
}

// generateStreamKey returns 24 random bytes as upper-case hex. Keys are never
// derived from room ids so a leaked id does not reveal the publish secret.
func generateStreamKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

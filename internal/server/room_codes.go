package server

import (
	"errors"
	"math/rand/v2"
	"strings"
)

const joinCodeLength = 4

// GenerateJoinCode returns a 4-letter code not present in usedCodes.
func GenerateJoinCode(rng *rand.Rand, usedCodes map[string]bool) string {
	for {
		code := make([]byte, joinCodeLength)
		for i := range code {
			code[i] = 'A' + byte(rng.IntN(26))
		}
		joinCode := string(code)

		if !usedCodes[joinCode] {
			return joinCode
		}
	}
}

func ValidateJoinCode(code string) error {
	if len(code) != joinCodeLength {
		return errors.New("join code must be exactly 4 characters")
	}

	code = strings.ToUpper(code)
	for _, ch := range code {
		if ch < 'A' || ch > 'Z' {
			return errors.New("join code must contain only letters A-Z")
		}
	}

	return nil
}

func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

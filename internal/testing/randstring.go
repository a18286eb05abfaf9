package testing

import (
	"math/rand"
	"strings"
	"time"
)

// RandString returns a random 10-character string suitable for usernames and
// room ids in tests
func RandString() string {
	rand.Seed(time.Now().UnixNano())

	var out strings.Builder
	charSet := "abcdedfghijklmnopqrstABCDEFGHIJKLMNOP"
	length := 10
	for i := 0; i < length; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}

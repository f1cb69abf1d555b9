package main

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, errors.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}

// parseArg turns a command line word into an int64, float64, bool or string.
// Quoting a word forces a string.
func parseArg(s string) any {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseArgs(words []string) []any {
	out := make([]any, 0, len(words))
	for _, w := range words {
		out = append(out, parseArg(w))
	}
	return out
}

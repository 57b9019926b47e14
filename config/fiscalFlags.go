package config

import (
	"os"
	"strconv"
	"strings"
)

// ClosureWarnHours is the age (in hours) of the latest daily closure past
// which the closure status starts warning that a day is overdue.
//
// Set via env:
// - CLOSURE_WARN_HOURS (default 26)
func ClosureWarnHours() int {
	v := strings.TrimSpace(os.Getenv("CLOSURE_WARN_HOURS"))
	if v == "" {
		return 26
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 26
	}
	return n
}

// FallbackHmacSecret is an operational escape hatch: when a business has no
// secret configured in fiscal_settings, the engine falls back to this
// process-level secret. Empty means no fallback.
//
// Set via env:
// - FISCAL_HMAC_SECRET
func FallbackHmacSecret() string {
	return strings.TrimSpace(os.Getenv("FISCAL_HMAC_SECRET"))
}

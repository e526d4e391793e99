package testutils

import "os"

// PrepareRedisAddr returns the address of a redis instance for tests to use,
// or "" when none is configured. Callers should skip on "".
func PrepareRedisAddr() string {
	return os.Getenv("REDIS_ADDR")
}

package appenv

import (
	"os"
	"strings"
)

// Env is the application runtime environment, read from APP_ENV.
type Env string

const (
	Production  Env = "production"
	Development Env = "development"
	Test        Env = "test"
)

// Current returns the effective runtime environment. Unknown or empty
// values behave as production so a misconfigured deploy fails closed.
func Current() Env {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	switch raw {
	case string(Development):
		return Development
	case string(Test):
		return Test
	default:
		return Production
	}
}

func IsProduction() bool  { return Current() == Production }
func IsDevelopment() bool { return Current() == Development }
func IsTest() bool        { return Current() == Test }

// Package testing switches the process into test mode when imported and
// fills in the configuration a test binary needs to load app.Config.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

var testDefaults = map[string]string{
	"VERDANT_TEST_MODE": "1",
	"AUTH_SECRET":       "test-secret-do-not-use",
	"STORE_TIMEZONE":    "UTC",
	"GOTENBERG_URL":     "http://127.0.0.1:0",
	"PRINTER_URL":       "http://127.0.0.1:0",
}

func ensureTestMode() {
	once.Do(func() {
		for key, value := range testDefaults {
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be delegated to from a package's own TestMain.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}

package configstore

import (
	"os"
	"sync"
	"testing"
)

// envMu serializes tests that touch process environment while still letting
// them run under t.Parallel.
var envMu sync.Mutex

// withEnv takes the environment lock for the rest of the test and applies
// key/value pairs, restoring the previous values on cleanup. An empty value
// unsets the key.
func withEnv(t *testing.T, kv ...string) {
	t.Helper()
	if len(kv)%2 != 0 {
		t.Fatalf("withEnv: odd number of arguments")
	}
	envMu.Lock()
	t.Cleanup(envMu.Unlock)
	setEnv(t, kv...)
}

// setEnv applies more pairs once withEnv holds the lock.
func setEnv(t *testing.T, kv ...string) {
	t.Helper()
	for i := 0; i+1 < len(kv); i += 2 {
		key, value := kv[i], kv[i+1]
		prev, existed := os.LookupEnv(key)
		var err error
		if value == "" {
			err = os.Unsetenv(key)
		} else {
			err = os.Setenv(key, value)
		}
		if err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
		t.Cleanup(func() {
			if existed {
				_ = os.Setenv(key, prev)
			} else {
				_ = os.Unsetenv(key)
			}
		})
	}
}

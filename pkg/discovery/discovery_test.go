package discovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodeShapeAndAlphabet(t *testing.T) {
	code, err := NewCode()
	require.NoError(t, err)
	assert.Len(t, code, codeLength)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(codeAlphabet, r), "code %q contains character outside codeAlphabet", code)
	}
}

func TestNewCodeVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, err := NewCode()
		require.NoError(t, err)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1, "expected NewCode to produce varying codes across 20 calls")
}

func TestServiceNameFormat(t *testing.T) {
	assert.Equal(t, "abcd._shadowbox._tcp.local.", serviceName("ABCD"))
}

func TestAdvertiseAndBrowseLocal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	browser, err := Browse(ctx)
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer browser.Stop()

	adv, err := Advertise(ctx, "WXYZ", "Test Box", false, 9443)
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer adv.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-browser.Events():
			if !ok {
				t.Fatalf("events channel closed before seeing WXYZ")
			}
			if ev.Code == "WXYZ" && ev.Kind == Added {
				return
			}
		case <-deadline:
			t.Skip("did not observe own announcement within deadline; environment may block multicast loopback")
		}
	}
}

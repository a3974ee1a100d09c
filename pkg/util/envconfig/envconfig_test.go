package envconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString_FallsBackToDefaultWhenUnset(t *testing.T) {
	t.Setenv("GATEWAY_TEST_STRING", "")
	assert.Equal(t, "default", String("GATEWAY_TEST_STRING", "default"))
}

func TestString_ReadsSetValue(t *testing.T) {
	t.Setenv("GATEWAY_TEST_STRING", "custom")
	assert.Equal(t, "custom", String("GATEWAY_TEST_STRING", "default"))
}

func TestInt_FallsBackOnUnsetOrUnparseable(t *testing.T) {
	t.Setenv("GATEWAY_TEST_INT", "")
	assert.Equal(t, 5, Int("GATEWAY_TEST_INT", 5))

	t.Setenv("GATEWAY_TEST_INT", "not-a-number")
	assert.Equal(t, 5, Int("GATEWAY_TEST_INT", 5))
}

func TestInt_ReadsSetValue(t *testing.T) {
	t.Setenv("GATEWAY_TEST_INT", "42")
	assert.Equal(t, 42, Int("GATEWAY_TEST_INT", 5))
}

func TestBool_FallsBackOnUnsetOrUnparseable(t *testing.T) {
	t.Setenv("GATEWAY_TEST_BOOL", "")
	assert.Equal(t, true, Bool("GATEWAY_TEST_BOOL", true))

	t.Setenv("GATEWAY_TEST_BOOL", "nope")
	assert.Equal(t, true, Bool("GATEWAY_TEST_BOOL", true))
}

func TestBool_ReadsSetValue(t *testing.T) {
	t.Setenv("GATEWAY_TEST_BOOL", "false")
	assert.Equal(t, false, Bool("GATEWAY_TEST_BOOL", true))
}

func TestParsePortRange_EmptyDisables(t *testing.T) {
	low, high, err := ParsePortRange("")
	require.NoError(t, err)
	assert.Equal(t, 0, low)
	assert.Equal(t, 0, high)
}

func TestParsePortRange_ParsesLowHigh(t *testing.T) {
	low, high, err := ParsePortRange("10000-19999")
	require.NoError(t, err)
	assert.Equal(t, 10000, low)
	assert.Equal(t, 19999, high)
}

func TestParsePortRange_RejectsMalformedInput(t *testing.T) {
	for _, s := range []string{"10000", "10000-", "-19999", "high-low", "19999-10000", "0-100"} {
		_, _, err := ParsePortRange(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}

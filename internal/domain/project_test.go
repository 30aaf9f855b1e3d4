package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectIDRoundTrip(t *testing.T) {
	paths := []string{
		"/home/user/project",
		"/tmp/with space/and-dash",
		"/srv/ünïcode/目录",
		"/",
	}
	for _, p := range paths {
		id, err := EncodeProjectID(p)
		require.NoError(t, err, p)
		assert.NotContains(t, id, "/")
		assert.NotContains(t, id, "=")

		back, err := DecodeProjectID(id)
		require.NoError(t, err)
		assert.Equal(t, p, back)
	}
}

func TestProjectIDDistinctPaths(t *testing.T) {
	a, err := EncodeProjectID("/a/b")
	require.NoError(t, err)
	b, err := EncodeProjectID("/a/c")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestProjectIDCleansPath(t *testing.T) {
	a, _ := EncodeProjectID("/a/b/")
	b, _ := EncodeProjectID("/a/./b")
	assert.Equal(t, a, b)
}

func TestEncodeProjectIDRejectsRelative(t *testing.T) {
	_, err := EncodeProjectID("relative/path")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	_, err = EncodeProjectID("")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDecodeProjectIDInvalid(t *testing.T) {
	_, err := DecodeProjectID("!!not base64!!")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, CodeProjectIDInvalid, ErrorCodeOf(err))

	// Valid base64 that does not decode to an absolute path.
	_, err = DecodeProjectID("cmVsYXRpdmU")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

package replay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseScript(t *testing.T) {
	s, err := ParseScript([]byte(testScript))
	require.NoError(t, err)
	require.Equal(t, "secret", s.Token)
	require.Equal(t, time.Millisecond, s.Interval)
	require.Len(t, s.Threads, 1)
	tu := s.Threads[0].Turns
	require.Nil(t, tu[0].Done)
	require.NotNil(t, tu[1].Done)
	require.False(t, *tu[1].Done)
	require.Equal(t, "{broken", tu[0].Frames[1].Raw)
}

func TestParseScript_Invalid(t *testing.T) {
	for _, in := range []string{
		"threads: [{id: ''}]",
		"threads: [{id: a}, {id: a}]",
		"threads: [{id: a, turns: [{id: t}, {id: t}]}]",
		"threads: [{id: a, turns: [{id: ''}]}]",
		"interval: -1s",
		"threads: {",
	} {
		_, err := ParseScript([]byte(in))
		require.Error(t, err, in)
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testScript), 0o600))
	s, err := LoadScript(path)
	require.NoError(t, err)
	require.Len(t, s.Threads, 1)

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFrameEncode(t *testing.T) {
	content := "x"
	out, err := FrameSpec{Content: &content}.Encode()
	require.NoError(t, err)
	require.Equal(t, `{"content":"x","finished":false}`, out)

	_, err = FrameSpec{}.Encode()
	require.Error(t, err)
}

func TestCumulativeFrames(t *testing.T) {
	frames := CumulativeFrames("one two three", "m")
	require.Len(t, frames, 3)
	require.Equal(t, "one ", *frames[0].Content)
	require.Equal(t, "one two ", *frames[1].Content)
	require.Equal(t, "one two three", *frames[2].Content)
	require.True(t, frames[2].Finished)
	require.Equal(t, "m", frames[2].Model)
	require.False(t, frames[0].Finished)

	trailing := CumulativeFrames("a ", "")
	require.Len(t, trailing, 1)
	require.Equal(t, "a ", *trailing[0].Content)

	empty := CumulativeFrames("", "")
	require.Len(t, empty, 1)
	require.True(t, empty[0].Finished)
	require.Equal(t, "", *empty[0].Content)
}

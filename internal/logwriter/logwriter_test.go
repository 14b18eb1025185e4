package logwriter

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLine(t *testing.T) {
	t.Run("frames lines with kind prefix", func(t *testing.T) {
		w, err := Open(t.TempDir(), "exec-1")
		require.NoError(t, err)

		require.NoError(t, w.WriteLine(KindStdout, "hello"))
		require.NoError(t, w.WriteLine(KindStderr, "oops\n"))
		require.NoError(t, w.WriteLine(KindSystem, "spawned pid 42"))
		require.NoError(t, w.Close())

		data, err := os.ReadFile(w.Path())
		require.NoError(t, err)
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		assert.Equal(t, []string{
			"stdout|hello",
			"stderr|oops",
			"system|spawned pid 42",
		}, lines)
	})

	t.Run("accounts bytes and lines", func(t *testing.T) {
		w, err := Open(t.TempDir(), "exec-2")
		require.NoError(t, err)
		defer w.Close()

		require.NoError(t, w.WriteLine(KindStdout, "ab"))
		require.NoError(t, w.WriteLine(KindStdout, "cd"))

		bytes, lines := w.Counts()
		assert.Equal(t, int64(2), lines)
		// "stdout|ab\n" is 10 bytes, twice.
		assert.Equal(t, int64(20), bytes)
	})

	t.Run("rejects writes after close", func(t *testing.T) {
		w, err := Open(t.TempDir(), "exec-3")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.Error(t, w.WriteLine(KindStdout, "late"))
	})
}

package cmds

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfirmReset(t *testing.T) {
	for answer, want := range map[string]bool{"y\n": true, "Y\n": true, "n\n": false} {
		var out bytes.Buffer
		ok, err := confirmReset(strings.NewReader(answer), &out, "/tmp/luna.sqlite")
		require.NoError(t, err, answer)
		require.Equal(t, want, ok, answer)
		require.Contains(t, out.String(), "/tmp/luna.sqlite")
	}
}

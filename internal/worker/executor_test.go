package worker

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra/internal/errors"
)

// trackingReader reports how much of the stream was consumed.
type trackingReader struct {
	r    io.Reader
	read int
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.read += n
	return n, err
}

func TestReadAllCappedTruncatesAndDrains(t *testing.T) {
	source := &trackingReader{r: strings.NewReader(strings.Repeat("x", 1024))}

	output, err := readAllCapped(source, 100)
	require.NoError(t, err)
	assert.Len(t, output, 100)
	// The remainder past the cap is consumed so the writer side of a
	// pipe never blocks.
	assert.Equal(t, 1024, source.read)
}

func TestReadAllCappedUnderLimit(t *testing.T) {
	output, err := readAllCapped(strings.NewReader("hello"), 100)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(output))
}

func TestCommandExecutorCapturesOutput(t *testing.T) {
	output, err := CommandExecutor{}.Execute(context.Background(),
		"echo", []string{"hello"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(output))
}

func TestCommandExecutorTimesOut(t *testing.T) {
	_, err := CommandExecutor{}.Execute(context.Background(),
		"sleep", []string{"5"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
}

func TestCommandExecutorReportsFailure(t *testing.T) {
	_, err := CommandExecutor{}.Execute(context.Background(),
		"sh", []string{"-c", "echo broken >&2; exit 3"}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDispatchFailed))
	assert.Contains(t, err.Error(), "broken")
}

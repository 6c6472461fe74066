package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feed pushes raw bytes through the buffer and collects every decoded
// message, mimicking the stdio read loop.
func feed(t *testing.T, chunks ...[]byte) (msgs []*Message, errs []error) {
	t.Helper()
	var rb readBuffer
	for _, chunk := range chunks {
		rb.append(chunk)
		for {
			line, ok := rb.next()
			if !ok {
				break
			}
			msg, err := decodeLine(line)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if msg != nil {
				msgs = append(msgs, msg)
			}
		}
	}
	return msgs, errs
}

func TestFramingSplitIndependence(t *testing.T) {
	wire := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")

	// Every possible split point must yield the same two messages.
	for cut := 0; cut <= len(wire); cut++ {
		msgs, errs := feed(t, wire[:cut], wire[cut:])
		require.Empty(t, errs, "cut at %d", cut)
		require.Len(t, msgs, 2, "cut at %d", cut)
		assert.Equal(t, "ping", msgs[0].Method)
		assert.Equal(t, "tools/list", msgs[1].Method)
	}
}

func TestFramingCRLFTolerated(t *testing.T) {
	msgs, errs := feed(t, []byte("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\r\n"))
	require.Empty(t, errs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Method)
}

func TestFramingBannerRecovery(t *testing.T) {
	// Noise before the JSON on the same line: recover from the first '{'.
	msgs, errs := feed(t, []byte(`server v1.2 ready {"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"))
	require.Empty(t, errs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Method)
}

func TestFramingGarbageLineSurvived(t *testing.T) {
	msgs, errs := feed(t,
		[]byte("complete garbage\n"),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"))
	require.Len(t, errs, 1)
	var fe *FramingError
	require.ErrorAs(t, errs[0], &fe)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Method)
}

func TestFramingBlankLinesSkipped(t *testing.T) {
	msgs, errs := feed(t, []byte("\n\r\n  \n"+`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"))
	require.Empty(t, errs)
	require.Len(t, msgs, 1)
}

func TestFramingErrorTruncatesLongLines(t *testing.T) {
	long := make([]byte, 8192)
	for i := range long {
		long[i] = 'x'
	}
	_, errs := feed(t, append(long, '\n'))
	require.Len(t, errs, 1)
	var fe *FramingError
	require.ErrorAs(t, errs[0], &fe)
	assert.LessOrEqual(t, len(fe.Line), 256)
}

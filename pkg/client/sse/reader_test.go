package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderSplitsFrames(t *testing.T) {
	in := ": keepalive\n\n" +
		"event: content_block_delta\r\n" +
		"data: {\"a\":1}\r\n\r\n" +
		"data: line one\n" +
		"data: line two\n" +
		"id: 7\n\n" +
		"data: trailing"
	r := NewReader(strings.NewReader(in))

	f, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, Frame{Event: "content_block_delta", Data: `{"a":1}`}, f)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, Frame{Data: "line one\nline two", ID: "7"}, f)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, "trailing", f.Data)

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

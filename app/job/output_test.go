package job

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputTail(t *testing.T) {
	o := NewOutputTail(3)
	_, err := o.Write([]byte("line1\nline2\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", o.String())

	_, err = o.Write([]byte("line3\nline4\nline5"))
	require.NoError(t, err)
	assert.Equal(t, "line3\nline4\nline5", o.String())

	disabled := NewOutputTail(0)
	n, err := disabled.Write([]byte("something\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Empty(t, disabled.String())
}

func TestOutputTail_Concurrent(t *testing.T) {
	o := NewOutputTail(50)
	wg := sync.WaitGroup{}
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				_, _ = fmt.Fprintf(o, "w%d-%d\n", i, j)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, bytes.Split([]byte(o.String()), []byte("\n")), 50)
}

func TestLogPrefixer(t *testing.T) {
	buf := bytes.Buffer{}
	p := NewLogPrefixer(&buf, "S34784")
	n, err := p.Write([]byte("first\nsecond\nthird"))
	require.NoError(t, err)
	assert.Equal(t, len("first\nsecond\nthird"), n)
	assert.Equal(t, "{S34784} first\n{S34784} second\n{S34784} third", buf.String())

	buf.Reset()
	p = NewLogPrefixer(&buf, "a-very-long-label-for-prefix")
	_, err = p.Write([]byte("x\n"))
	require.NoError(t, err)
	assert.Equal(t, "{a-very-long-labe...} x\n", buf.String())
}

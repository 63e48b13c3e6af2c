package sink

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterSinkWritesLinesInOrder(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	var futs []*future.Future[string]
	for i := 0; i < 5; i++ {
		fut, err := sink.Submit(t.Context(), &publisher.Message{Value: []byte(fmt.Sprintf(`{"n":%d}`, i))})
		require.NoError(t, err)
		futs = append(futs, fut)
	}

	for i, fut := range futs {
		id, err := fut.Get()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i+1), id)
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, "{\"n\":0}\n{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n{\"n\":4}\n", buf.String())
}

func TestWriterSinkRejectsAfterClose(t *testing.T) {
	sink := NewWriterSink(&bytes.Buffer{})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	_, err := sink.Submit(t.Context(), &publisher.Message{Value: []byte("x")})
	assert.ErrorIs(t, err, publisher.ErrSinkClosed)
}

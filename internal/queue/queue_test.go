package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[string]()
	for _, s := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(s))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_WaitSignals(t *testing.T) {
	q := New[int]()
	done := make(chan int, 1)

	go func() {
		<-q.Wait()
		v, _ := q.TryDequeue()
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(7)

	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken")
	}
}

func TestQueue_CloseRejectsAndWakes(t *testing.T) {
	q := New[int]()
	q.Enqueue(1)
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(2))
	assert.True(t, q.Closed())

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("wait channel not closed")
	}

	v, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}

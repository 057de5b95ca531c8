package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient counts disposals.
type fakeClient struct {
	disposed atomic.Int32
}

func (c *fakeClient) WaitForReady(ctx context.Context) error { return nil }
func (c *fakeClient) Dispose()                               { c.disposed.Add(1) }

// countingFactory tracks how many creations ran and can block mid-creation.
type countingFactory struct {
	launches atomic.Int32
	started  chan struct{} // receives one tick per creation entered
	release  chan struct{} // creation blocks until closed, when non-nil
	err      error

	mu   sync.Mutex
	made []*fakeClient
}

func (f *countingFactory) create(ctx context.Context, id DocumentID) (Client, error) {
	f.launches.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeClient{}
	f.mu.Lock()
	f.made = append(f.made, c)
	f.mu.Unlock()
	return c, nil
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	f := &countingFactory{release: make(chan struct{}), started: make(chan struct{}, 1)}
	m := NewMapper(f.create)

	const callers = 10
	results := make([]Client, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetOrCreate(context.Background(), "doc-1")
		}(i)
	}

	<-f.started
	close(f.release)
	wg.Wait()

	require.EqualValues(t, 1, f.launches.Load(), "exactly one creation for concurrent callers")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "all callers share one client")
	}
	assert.Equal(t, 1, m.Len())
}

func TestFailedCreationIsNotCached(t *testing.T) {
	f := &countingFactory{err: errors.New("spawn failed")}
	m := NewMapper(f.create)

	_, err := m.GetOrCreate(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, 0, m.Len(), "failures must not leave an entry behind")

	// Next call retries from scratch and can succeed.
	f.err = nil
	c, err := m.GetOrCreate(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.EqualValues(t, 2, f.launches.Load())
}

func TestDistinctDocumentsGetDistinctClients(t *testing.T) {
	f := &countingFactory{}
	m := NewMapper(f.create)

	a, err := m.GetOrCreate(context.Background(), "doc-a")
	require.NoError(t, err)
	b, err := m.GetOrCreate(context.Background(), "doc-b")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.EqualValues(t, 2, f.launches.Load())
	assert.Equal(t, 2, m.Len())
}

func TestCloseDisposesAndIsIdempotent(t *testing.T) {
	f := &countingFactory{}
	m := NewMapper(f.create)

	c, err := m.GetOrCreate(context.Background(), "doc-1")
	require.NoError(t, err)
	fc := c.(*fakeClient)

	m.Close("doc-1")
	assert.EqualValues(t, 1, fc.disposed.Load())
	assert.Equal(t, 0, m.Len())

	m.Close("doc-1")
	m.Close("never-opened")
	assert.EqualValues(t, 1, fc.disposed.Load())
}

func TestCloseDuringCreationDisposesFreshClient(t *testing.T) {
	f := &countingFactory{release: make(chan struct{}), started: make(chan struct{}, 1)}
	m := NewMapper(f.create)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(context.Background(), "doc-1")
		errCh <- err
	}()

	// Creation is in flight; closing the document now must win.
	<-f.started
	m.Close("doc-1")
	close(f.release)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight creation never resolved")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.made, 1)
	assert.EqualValues(t, 1, f.made[0].disposed.Load(), "fresh client disposed, never published")
	assert.Equal(t, 0, m.Len())
}

func TestLateJoinerKeepsCloseDuringCreationEffective(t *testing.T) {
	f := &countingFactory{release: make(chan struct{}), started: make(chan struct{}, 1)}
	m := NewMapper(f.create)

	first := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(context.Background(), "doc-1")
		first <- err
	}()

	<-f.started
	m.Close("doc-1")

	// A second caller arrives after the close but before the creation
	// resolves. It joins the same flight and must not revive the client.
	second := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(context.Background(), "doc-1")
		second <- err
	}()
	time.Sleep(100 * time.Millisecond)
	close(f.release)

	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			require.ErrorIs(t, err, ErrClientClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("in-flight creation never resolved")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.made, 1)
	assert.EqualValues(t, 1, f.made[0].disposed.Load(), "closed document's client must not survive")
	assert.Equal(t, 0, m.Len())
}

func TestReopenAfterCloseCreatesNewClient(t *testing.T) {
	f := &countingFactory{}
	m := NewMapper(f.create)

	a, err := m.GetOrCreate(context.Background(), "doc-1")
	require.NoError(t, err)
	m.Close("doc-1")

	b, err := m.GetOrCreate(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.EqualValues(t, 2, f.launches.Load())
}

func TestCloseAll(t *testing.T) {
	f := &countingFactory{}
	m := NewMapper(f.create)

	for _, id := range []DocumentID{"a", "b", "c"} {
		_, err := m.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
	}
	require.NoError(t, m.CloseAll())

	f.mu.Lock()
	for _, c := range f.made {
		assert.EqualValues(t, 1, c.disposed.Load())
	}
	f.mu.Unlock()

	_, err := m.GetOrCreate(context.Background(), "d")
	assert.ErrorIs(t, err, ErrMapperClosed)
	assert.NoError(t, m.CloseAll(), "CloseAll is idempotent")
}

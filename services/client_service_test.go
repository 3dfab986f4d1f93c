package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"advisor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	value, ok := m.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return value, nil
}

func (m *memoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memoryCache) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := m.values[key]; ok {
			delete(m.values, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryCache) Close() error { return nil }

type stubClientSource struct {
	results [][]models.ClientSummary
	err     error
	calls   int
}

func (s *stubClientSource) Clients(ctx context.Context) ([]models.ClientSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i], nil
}

type stubRefresher struct {
	calls int
	err   error
}

func (s *stubRefresher) Refresh(ctx context.Context) (SampleShift, error) {
	s.calls++
	return SampleShift{MeetingDays: 3}, s.err
}

func clientList(n int) []models.ClientSummary {
	clients := make([]models.ClientSummary, n)
	for i := range clients {
		clients[i] = models.ClientSummary{ClientID: 10000 + i, ClientName: fmt.Sprintf("Client %d", i)}
	}
	return clients
}

func TestClientDirectory_CachesFreshList(t *testing.T) {
	source := &stubClientSource{results: [][]models.ClientSummary{clientList(8)}}
	refresher := &stubRefresher{}
	cache := newMemoryCache()
	directory := NewClientDirectory(source, refresher, cache, nil)
	ctx := context.Background()

	clients, err := directory.List(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 8)
	assert.Equal(t, clientsCacheTTL, cache.ttls[clientsCacheKey])

	again, err := directory.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, clients, again)
	assert.Equal(t, 1, source.calls)
	assert.Zero(t, refresher.calls)

	require.NoError(t, directory.Invalidate(ctx))
	_, err = directory.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestClientDirectory_RefreshesStaleSampleData(t *testing.T) {
	source := &stubClientSource{results: [][]models.ClientSummary{clientList(6), clientList(9)}}
	refresher := &stubRefresher{}
	cache := newMemoryCache()
	directory := NewClientDirectory(source, refresher, cache, nil)

	clients, err := directory.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, clients, 9)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 2, source.calls)
	assert.Empty(t, cache.values)
}

func TestClientDirectory_RefreshFailureReturnsFirstRead(t *testing.T) {
	source := &stubClientSource{results: [][]models.ClientSummary{clientList(2)}}
	directory := NewClientDirectory(source, &stubRefresher{err: errors.New("read only")}, nil, nil)

	clients, err := directory.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, clients, 2)
	assert.Equal(t, 1, source.calls)
}

func TestClientDirectory_CacheErrorFallsBackToSource(t *testing.T) {
	cache := newMemoryCache()
	cache.getErr = errors.New("connection refused")
	source := &stubClientSource{results: [][]models.ClientSummary{clientList(7)}}
	directory := NewClientDirectory(source, nil, cache, nil)

	clients, err := directory.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, clients, 7)
}

func TestClientDirectory_SourceError(t *testing.T) {
	directory := NewClientDirectory(&stubClientSource{err: errors.New("db down")}, nil, nil, nil)

	_, err := directory.List(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCache("")
	assert.Error(t, err)

	_, err = NewRedisCache("http://localhost:6379")
	assert.ErrorContains(t, err, "parse url")
}

package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/models"
)

var (
	from = models.Coord{Lat: 52.5200, Lon: 13.4050}
	to   = models.Coord{Lat: 52.5300, Lon: 13.4050}
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestNaiveEstimate(t *testing.T) {
	// ~1112m at 8 m/s
	assert.InDelta(t, 139, EstimateSeconds(from, to, 0), 1)
	assert.InDelta(t, 111, EstimateSeconds(from, to, 10), 1)
}

func TestEstimatorUsesCacheBeforeClient(t *testing.T) {
	c := &countingClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	assert.Equal(t, 42.0, e.Estimate(context.Background(), from, to))
	assert.Equal(t, 42.0, e.Estimate(context.Background(), from, to))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackOnClientError(t *testing.T) {
	e := &Estimator{Client: &countingClient{err: errors.New("down")}, SpeedMps: 10}
	assert.InDelta(t, 111, e.Estimate(context.Background(), from, to), 1)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(from, to, 5)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(from, to)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/13.405000,52.520000;"))
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	v, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 321.5, v)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), from, to)
	assert.Error(t, err)
}

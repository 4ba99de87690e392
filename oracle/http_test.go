package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"
)

type stubDoer struct {
	status int
	body   string
	err    error
	calls  int
}

func (d *stubDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(strings.NewReader(d.body)),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHTTP(doer *stubDoer) *HTTPOracle {
	return NewHTTP(HTTPConfig{Name: "feed", URL: "http://feed.test/prices"}, doer, discardLogger())
}

func TestHTTPOracleParsesFeed(t *testing.T) {
	doer := &stubDoer{
		status: http.StatusOK,
		body: `{"prices":[
			{"symbol":"WETH","priceWad":"2000000000000000000000","timestamp":1700000000},
			{"symbol":"WBTC","priceWad":"not-a-number","timestamp":1700000000}
		]}`,
	}
	oracle := newTestHTTP(doer)
	oracle.Refresh(context.Background())

	q, err := oracle.Quote("WETH")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.PriceWad.Cmp(wadPrice(2_000)) != 0 {
		t.Fatalf("price = %v, want 2000 wad", q.PriceWad)
	}
	if !q.Timestamp.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("timestamp = %v, want feed timestamp", q.Timestamp)
	}
	if q.Source != "feed" {
		t.Fatalf("source = %q, want feed", q.Source)
	}

	if _, err := oracle.Quote("WBTC"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("unparseable price was cached: %v", err)
	}
}

func TestHTTPOracleStampsMissingTimestamps(t *testing.T) {
	doer := &stubDoer{
		status: http.StatusOK,
		body:   `{"prices":[{"symbol":"WETH","priceWad":"1000000000000000000"}]}`,
	}
	oracle := newTestHTTP(doer)
	stamp := time.Unix(1_800_000_000, 0)
	oracle.nowFn = func() time.Time { return stamp }
	oracle.Refresh(context.Background())

	q, err := oracle.Quote("WETH")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Timestamp.Equal(stamp) {
		t.Fatalf("timestamp = %v, want fetch time", q.Timestamp)
	}
}

func TestHTTPOracleKeepsCacheOnFetchFailure(t *testing.T) {
	doer := &stubDoer{
		status: http.StatusOK,
		body:   `{"prices":[{"symbol":"WETH","priceWad":"2000000000000000000000","timestamp":1700000000}]}`,
	}
	oracle := newTestHTTP(doer)
	oracle.Refresh(context.Background())

	doer.err = errors.New("connection refused")
	oracle.Refresh(context.Background())

	if _, err := oracle.Quote("WETH"); err != nil {
		t.Fatalf("cache lost after fetch failure: %v", err)
	}

	doer.err = nil
	doer.status = http.StatusBadGateway
	oracle.Refresh(context.Background())
	if _, err := oracle.Quote("WETH"); err != nil {
		t.Fatalf("cache lost after bad status: %v", err)
	}

	doer.status = http.StatusOK
	doer.body = `{"prices": garbage`
	oracle.Refresh(context.Background())
	if _, err := oracle.Quote("WETH"); err != nil {
		t.Fatalf("cache lost after decode failure: %v", err)
	}
}

func TestHTTPOracleUnknownAsset(t *testing.T) {
	oracle := newTestHTTP(&stubDoer{status: http.StatusOK, body: `{"prices":[]}`})
	oracle.Refresh(context.Background())
	if _, err := oracle.Quote("WETH"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestHTTPOracleRunStopsOnCancel(t *testing.T) {
	doer := &stubDoer{status: http.StatusOK, body: `{"prices":[]}`}
	oracle := NewHTTP(HTTPConfig{Name: "feed", URL: "http://feed.test/prices", Interval: time.Millisecond}, doer, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- oracle.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("poll loop did not stop")
	}
	if doer.calls < 2 {
		t.Fatalf("expected repeated polls, got %d", doer.calls)
	}
}

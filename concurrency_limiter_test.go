package main

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	limiter "github.com/openfaas/faas-middleware/concurrency-limiter"
)

// The limiter sits in front of the send handler, so a saturated gate turns
// extra callers away with 429 instead of queueing them on the exchange mutex.
func TestSendHandler_ConcurrencyLimitReached(t *testing.T) {
	gateway := newTestGateway(t, `while read line; do sleep 1; echo "$line"; done`, 5*time.Second)

	cl := limiter.NewConcurrencyLimiter(makeSendHandler(gateway), 1)

	var wg sync.WaitGroup
	wg.Add(1)

	firstCode := 0
	go func() {
		defer wg.Done()
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/send?q=slow", nil)
		cl.ServeHTTP(rr, req)
		firstCode = rr.Code
	}()

	// give the first request time to occupy the only slot
	time.Sleep(200 * time.Millisecond)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/send?q=rejected", nil)
	cl.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusTooManyRequests {
		t.Errorf("second request returned wrong status code - want: %v, got: %v", http.StatusTooManyRequests, status)
	}

	wg.Wait()
	if firstCode != http.StatusOK {
		t.Errorf("first request returned wrong status code - want: %v, got: %v", http.StatusOK, firstCode)
	}

	if cl.Met() {
		t.Errorf("want limiter headroom once the slot is released")
	}
}

package admin

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-governor/pkg/domain"
)

// writeRateLimitHeaders adds bucket status headers to the response.
// X-RateLimit-Reset is the time the bucket would be full again; it is
// omitted for buckets that never refill.
func writeRateLimitHeaders(w http.ResponseWriter, stats domain.BucketStats, now time.Time) {
	limit := int(math.Floor(stats.Capacity / stats.Cost))
	remaining := int(math.Floor(stats.Available / stats.Cost))

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

	if stats.RefillRate > 0 {
		missing := stats.Capacity - stats.Available
		reset := now.Add(time.Duration(missing / stats.RefillRate * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(float64(reset.UnixNano())/1e9)), 10))
	}
}

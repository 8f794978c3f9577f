package wasm

import (
	"testing"
	"time"

	"github.com/basket/crpc/internal/shared"
)

func TestHTTPQuotaWindow(t *testing.T) {
	q := NewQuotas(2, 10, 1024)
	now := time.Unix(1000, 0)
	q.SetClock(func() time.Time { return now })

	if err := q.TakeHTTP("weather"); err != nil {
		t.Fatal(err)
	}
	if err := q.TakeHTTP("weather"); err != nil {
		t.Fatal(err)
	}
	err := q.TakeHTTP("weather")
	if !shared.IsKind(err, shared.KindQuotaExceeded) {
		t.Fatalf("third call kind = %v, want QuotaExceeded", shared.KindOf(err))
	}

	// Other plugins have their own budget.
	if err := q.TakeHTTP("notes"); err != nil {
		t.Fatalf("other plugin should have its own window: %v", err)
	}

	// The window rolls over after a minute.
	now = now.Add(61 * time.Second)
	if err := q.TakeHTTP("weather"); err != nil {
		t.Fatalf("after window rollover: %v", err)
	}
}

func TestLogQuota(t *testing.T) {
	q := NewQuotas(10, 1, 1024)
	if err := q.TakeLog("weather"); err != nil {
		t.Fatal(err)
	}
	if err := q.TakeLog("weather"); !shared.IsKind(err, shared.KindQuotaExceeded) {
		t.Fatalf("kind = %v, want QuotaExceeded", shared.KindOf(err))
	}
}

func TestMediaCap(t *testing.T) {
	q := NewQuotas(10, 10, 100)
	if err := q.CheckMedia("weather", 100); err != nil {
		t.Fatal(err)
	}
	if err := q.CheckMedia("weather", 101); !shared.IsKind(err, shared.KindQuotaExceeded) {
		t.Fatalf("kind = %v, want QuotaExceeded", shared.KindOf(err))
	}
}

func TestQuotaDefaults(t *testing.T) {
	q := NewQuotas(0, 0, 0)
	if q.httpRPM != 100 || q.logLPM != 1000 || q.maxMedia != 50<<20 {
		t.Fatalf("defaults = %d/%d/%d", q.httpRPM, q.logLPM, q.maxMedia)
	}
}

package classifier

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassifyUnauthorizedMarksUnavailable(t *testing.T) {
	v := Classify(http.StatusUnauthorized, http.Header{}, nil)
	if v.Action != FailoverAndMarkUnavailable {
		t.Fatalf("action = %v, want FailoverAndMarkUnavailable", v.Action)
	}
}

func TestClassifyWeeklyQuotaCooldown(t *testing.T) {
	body := []byte(`{"error":{"message":"weekly opus quota exceeded"}}`)
	v := Classify(http.StatusTooManyRequests, http.Header{}, body)
	if v.Action != FailoverAndCooldown {
		t.Fatalf("action = %v, want FailoverAndCooldown", v.Action)
	}
	if v.Cooldown != ShortCooldown {
		t.Fatalf("cooldown = %v, want %v", v.Cooldown, ShortCooldown)
	}
}

func TestClassifyRateLimitWithinRetryAfterCeiling(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	v := Classify(http.StatusTooManyRequests, h, nil)
	if v.Action != RetryAfter {
		t.Fatalf("action = %v, want RetryAfter", v.Action)
	}
	if v.Cooldown != 3*time.Second {
		t.Fatalf("cooldown = %v, want 3s", v.Cooldown)
	}
}

func TestClassifyRateLimitBeyondRetryAfterCeilingFailsOver(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	v := Classify(http.StatusTooManyRequests, h, nil)
	if v.Action != FailoverTransient {
		t.Fatalf("action = %v, want FailoverTransient", v.Action)
	}
}

func TestClassifyOverloadedCoolsDown(t *testing.T) {
	v := Classify(529, http.Header{}, nil)
	if v.Action != FailoverAndCooldown || v.Cooldown != ShortCooldown {
		t.Fatalf("got %+v", v)
	}
}

func TestClassifyServerErrorIsTransient(t *testing.T) {
	v := Classify(http.StatusBadGateway, http.Header{}, nil)
	if v.Action != FailoverTransient {
		t.Fatalf("action = %v, want FailoverTransient", v.Action)
	}
}

func TestClassifyOKSurfaces(t *testing.T) {
	v := Classify(http.StatusOK, http.Header{}, []byte(`{"type":"message"}`))
	if v.Action != Surface {
		t.Fatalf("action = %v, want Surface", v.Action)
	}
}

func TestClassifyOKContentFilterStillSurfaces(t *testing.T) {
	v := Classify(http.StatusOK, http.Header{}, []byte(`{"stop_reason":"content_filter"}`))
	if v.Action != Surface {
		t.Fatalf("action = %v, want Surface", v.Action)
	}
	if v.Reason != "content_filter" {
		t.Fatalf("reason = %q, want content_filter", v.Reason)
	}
}

func TestClassifyTransportErrorFailsOver(t *testing.T) {
	v := ClassifyTransportError(errors.New("connection reset"))
	if v.Action != FailoverTransient {
		t.Fatalf("action = %v, want FailoverTransient", v.Action)
	}
}

func TestDowngradeConvertsFailoverToSurface(t *testing.T) {
	for _, v := range []Verdict{
		{Action: FailoverTransient},
		{Action: FailoverAndCooldown, Cooldown: ShortCooldown},
		{Action: FailoverAndMarkUnavailable},
		{Action: RetryAfter, Cooldown: time.Second},
	} {
		got := Downgrade(v)
		if got.Action != Surface {
			t.Fatalf("Downgrade(%v) = %v, want Surface", v.Action, got.Action)
		}
	}
}

func TestDowngradeLeavesSurfaceUnchanged(t *testing.T) {
	v := Verdict{Action: Surface, Reason: "ok"}
	if got := Downgrade(v); got.Action != Surface {
		t.Fatalf("Downgrade(Surface) = %v, want Surface", got.Action)
	}
}

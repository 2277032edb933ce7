package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChatObserverExportsCounters(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	obs := NewChatObserver(reg)

	obs.ConnCount(3)
	obs.MessageRouted(true)
	obs.MessageRouted(false)
	obs.UndeliveredEnqueued()
	obs.UndeliveredDropped()
	obs.WatchdogDisconnects(2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"wschat_connections 3",
		`wschat_messages_routed_total{result="delivered"} 1`,
		`wschat_messages_routed_total{result="queued"} 1`,
		"wschat_undelivered_queued_total 1",
		"wschat_undelivered_dropped_total 1",
		"wschat_watchdog_disconnects_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape body missing %q:\n%s", want, body)
		}
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"valetdrive/internal/booking"
	"valetdrive/internal/dispatch"
	"valetdrive/internal/realtime"
	"valetdrive/internal/refund"
)

// newTestServer wires the full route tree without auth enforcement, the
// same shape cmd/server builds in DB-less mode.
func newTestServer(t *testing.T) (*httptest.Server, *booking.Store) {
	t.Helper()
	store := booking.NewStore()
	directory := dispatch.NewInMemoryDirectory()
	directory.Upsert(dispatch.Driver{ID: "drv_1", Name: "Sam", Active: true, AcceptingJobs: true})
	hub := realtime.NewHub(nil)
	t.Cleanup(hub.Shutdown)

	r := chi.NewRouter()
	r.Use(JSONLogger)
	AttachRoutes(r, Deps{
		Store:       store,
		Coordinator: dispatch.NewCoordinator(store, directory, nil, hub),
		Canceller:   refund.NewCanceller(store, refund.DefaultPolicy(), nil, hub),
		Hub:         hub,
		Stream:      realtime.NewStreamServer(hub, store, 0),
		StreamToken: NewStreamTokenIssuer([]byte("test-signing-key"), time.Hour),
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, payload any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func createBookingHTTP(t *testing.T, srv *httptest.Server, idemKey string) string {
	t.Helper()
	headers := map[string]string{}
	if idemKey != "" {
		headers["Idempotency-Key"] = idemKey
	}
	resp, body := doJSON(t, "POST", srv.URL+"/api/bookings", map[string]any{
		"customerId":     "cust_1",
		"pickupAddress":  "12 King Street",
		"dropoffAddress": "Unit 4, Trafford Park",
		"pickupAt":       time.Now().Add(48 * time.Hour).Format(time.RFC3339),
		"amountPaid":     20000,
		"paymentRef":     "pay_1",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create booking: status %d body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("booking id missing: %v", body)
	}
	return id
}

func TestCreateBookingValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []map[string]any{
		{},                                  // everything missing
		{"pickupAddress": "a"},              // no dropoff
		{"pickupAddress": "a", "dropoffAddress": "b", "pickupAt": time.Now().Format(time.RFC3339)}, // no customer or guest
		{
			"customerId":     "cust_1",
			"guest":          map[string]any{"email": "jo@example.com", "phone": "123"},
			"pickupAddress":  "a",
			"dropoffAddress": "b",
			"pickupAt":       time.Now().Format(time.RFC3339),
		}, // both customer and guest
	}
	for i, payload := range cases {
		resp, _ := doJSON(t, "POST", srv.URL+"/api/bookings", payload, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status %d, want 400", i, resp.StatusCode)
		}
	}
}

func TestCreateBookingIdempotencyReplay(t *testing.T) {
	srv, _ := newTestServer(t)

	first := createBookingHTTP(t, srv, "idem-1")
	resp, body := doJSON(t, "POST", srv.URL+"/api/bookings", map[string]any{
		"customerId":     "cust_1",
		"pickupAddress":  "12 King Street",
		"dropoffAddress": "Unit 4, Trafford Park",
		"pickupAt":       time.Now().Add(48 * time.Hour).Format(time.RFC3339),
		"amountPaid":     20000,
	}, map[string]string{"Idempotency-Key": "idem-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	if id, _ := body["id"].(string); id != first {
		t.Fatalf("replay returned a different booking: %s vs %s", id, first)
	}
}

func TestStageEndpointFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createBookingHTTP(t, srv, "")

	resp, body := doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stage", map[string]any{
		"stage": "car_picked_up",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stage update: status %d body %v", resp.StatusCode, body)
	}
	if got, _ := body["overallProgress"].(float64); got != 42 {
		t.Fatalf("progress = %v, want 42", body["overallProgress"])
	}

	// backward without the privileged flag is a conflict
	resp, _ = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stage", map[string]any{
		"stage": "driver_assigned",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("backward status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stage", map[string]any{
		"stage": "warp_speed",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown stage status = %d, want 400", resp.StatusCode)
	}
}

func TestAssignEndpointConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createBookingHTTP(t, srv, "")

	resp, _ := doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/legs/pickup/assign", map[string]any{
		"driverId": "drv_1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/legs/pickup/assign", map[string]any{
		"driverId": "drv_1",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double assign status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/legs/pickup/assign", map[string]any{
		"driverId": "drv_unknown",
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown driver status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdatesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createBookingHTTP(t, srv, "")
	doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stage", map[string]any{"stage": "driver_assigned"}, nil)

	resp, body := doJSON(t, "GET", fmt.Sprintf("%s/api/bookings/%s/updates?limit=1&offset=1", srv.URL, id), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("updates status = %d", resp.StatusCode)
	}
	updates, _ := body["updates"].([]any)
	if len(updates) != 1 {
		t.Fatalf("expected 1 paged entry, got %d", len(updates))
	}
}

func TestCancelEndpointWithGuestProof(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", srv.URL+"/api/bookings", map[string]any{
		"guest":          map[string]any{"name": "Jo", "email": "jo@example.com", "phone": "+447700900123"},
		"pickupAddress":  "a",
		"dropoffAddress": "b",
		"pickupAt":       time.Now().Add(48 * time.Hour).Format(time.RFC3339),
		"amountPaid":     20000,
		"paymentRef":     "pay_1",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create guest booking: %d %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)

	quoteResp, quote := doJSON(t, "GET", srv.URL+"/api/bookings/"+id+"/cancel-quote", nil, nil)
	if quoteResp.StatusCode != http.StatusOK {
		t.Fatalf("quote status = %d", quoteResp.StatusCode)
	}
	if can, _ := quote["canCancel"].(bool); !can {
		t.Fatalf("quote should allow cancellation: %v", quote)
	}

	resp, body = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/cancel", map[string]any{
		"reason": "change of plans",
		"guest":  map[string]any{"email": "jo@example.com", "phone": "+447700900123"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d body %v", resp.StatusCode, body)
	}
	b, _ := body["booking"].(map[string]any)
	if status, _ := b["status"].(string); status != "cancelled" {
		t.Fatalf("booking status = %s, want cancelled", status)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/cancel", map[string]any{
		"guest": map[string]any{"email": "jo@example.com", "phone": "+447700900123"},
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestStreamTokenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", srv.URL+"/api/bookings", map[string]any{
		"guest":          map[string]any{"email": "jo@example.com", "phone": "+447700900123"},
		"pickupAddress":  "a",
		"dropoffAddress": "b",
		"pickupAt":       time.Now().Add(48 * time.Hour).Format(time.RFC3339),
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	id, _ := body["id"].(string)

	resp, body = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stream-token", map[string]any{
		"email": "jo@example.com",
		"phone": "+447700900123",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream token status = %d", resp.StatusCode)
	}
	if token, _ := body["streamToken"].(string); token == "" {
		t.Fatalf("stream token missing: %v", body)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stream-token", map[string]any{
		"email": "jo@example.com",
		"phone": "+440000000000",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad proof status = %d, want 403", resp.StatusCode)
	}
}

func TestNotFoundMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, "GET", srv.URL+"/api/bookings/bk_missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing booking status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, "POST", srv.URL+"/api/bookings/bk_missing/cancel", map[string]any{}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel missing status = %d, want 404", resp.StatusCode)
	}
}

// TestBookingStreamWebsocket exercises the full transport through the
// route tree, logging and metrics middleware included: the upgrade must
// succeed and the subscription protocol must deliver a connected ack,
// the latest snapshot, then live updates in commit order.
func TestBookingStreamWebsocket(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createBookingHTTP(t, srv, "")

	// mutate before connecting; the snapshot must carry the latest state
	for _, stage := range []string{"driver_assigned", "car_picked_up", "service_in_progress"} {
		resp, body := doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stage", map[string]any{"stage": stage}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("stage %s: status %d body %v", stage, resp.StatusCode, body)
		}
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bookings/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	readEnvelope := func() map[string]any {
		t.Helper()
		if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read envelope: %v", err)
		}
		return msg
	}

	ack := readEnvelope()
	if ack["type"] != "connected" {
		t.Fatalf("first envelope type = %v, want connected", ack["type"])
	}

	snap := readEnvelope()
	if snap["type"] != "snapshot" {
		t.Fatalf("second envelope type = %v, want snapshot", snap["type"])
	}
	sb, _ := snap["booking"].(map[string]any)
	if sb == nil || sb["currentStage"] != "service_in_progress" {
		t.Fatalf("snapshot is stale: %v", snap["booking"])
	}

	resp, body := doJSON(t, "POST", srv.URL+"/api/bookings/"+id+"/stage", map[string]any{"stage": "service_completed"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live mutation: status %d body %v", resp.StatusCode, body)
	}

	upd := readEnvelope()
	if upd["type"] != "update" {
		t.Fatalf("live envelope type = %v, want update", upd["type"])
	}
	ub, _ := upd["booking"].(map[string]any)
	if ub == nil || ub["currentStage"] != "service_completed" {
		t.Fatalf("update carries wrong state: %v", upd["booking"])
	}
	if progress, _ := ub["overallProgress"].(float64); progress != 71 {
		t.Fatalf("update progress = %v, want 71", ub["overallProgress"])
	}
}

func TestStreamTokenVerify(t *testing.T) {
	issuer := NewStreamTokenIssuer([]byte("k1"), time.Hour)
	token, _, err := issuer.Issue("bk_1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := issuer.Verify(token, "bk_1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := issuer.Verify(token, "bk_2"); err == nil {
		t.Fatalf("token must be bound to its booking")
	}
	other := NewStreamTokenIssuer([]byte("k2"), time.Hour)
	if err := other.Verify(token, "bk_1"); err == nil {
		t.Fatalf("wrong key must fail verification")
	}

	expired := NewStreamTokenIssuer([]byte("k1"), time.Hour)
	past := time.Now().Add(-2 * time.Hour)
	expired.now = func() time.Time { return past }
	staleToken, _, err := expired.Issue("bk_1")
	if err != nil {
		t.Fatalf("issue stale: %v", err)
	}
	if err := issuer.Verify(staleToken, "bk_1"); err == nil {
		t.Fatalf("expired token must fail verification")
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// End-to-end smoke run against a live server: create a booking, watch it
// over websocket, walk the lifecycle to delivery.
func main() {
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")

	staffToken := envOrDefault("STAFF_TOKEN", "")
	driverToken := envOrDefault("DRIVER_TOKEN", "")
	driverID := envOrDefault("DRIVER_ID", "")
	if staffToken == "" || driverToken == "" || driverID == "" {
		fmt.Println("Run cmd/seed first and set STAFF_TOKEN, DRIVER_TOKEN, DRIVER_ID from its output.")
	}

	fmt.Println("Creating booking...")
	bookingID, err := createBooking(api, staffToken)
	if err != nil {
		log.Fatalf("create booking failed: %v", err)
	}
	fmt.Printf("Booking ID: %s\n", bookingID)

	events := make(chan map[string]any, 16)
	go subscribeWS(wsBase, bookingID, staffToken, events)
	waitForType(events, "snapshot")

	fmt.Println("Assigning pickup driver...")
	if err := postJSON(fmt.Sprintf("%s/api/bookings/%s/legs/pickup/assign", api, bookingID), staffToken, map[string]any{
		"driverId": driverID,
	}); err != nil {
		log.Fatalf("assign failed: %v", err)
	}
	waitForStage(events, "driver_assigned")

	fmt.Println("Driver collecting the car...")
	for _, event := range []string{"accepted", "started", "arrived", "collected"} {
		if err := postJSON(fmt.Sprintf("%s/api/bookings/%s/legs/pickup/progress", api, bookingID), driverToken, map[string]any{
			"event": event,
		}); err != nil {
			log.Fatalf("pickup %s failed: %v", event, err)
		}
	}
	waitForStage(events, "car_picked_up")

	fmt.Println("Garage working on the car...")
	for _, stage := range []string{"service_in_progress", "service_completed"} {
		if err := postJSON(fmt.Sprintf("%s/api/bookings/%s/stage", api, bookingID), staffToken, map[string]any{
			"stage": stage,
		}); err != nil {
			log.Fatalf("stage %s failed: %v", stage, err)
		}
	}

	fmt.Println("Returning the car...")
	if err := postJSON(fmt.Sprintf("%s/api/bookings/%s/legs/return/assign", api, bookingID), staffToken, map[string]any{
		"driverId": driverID,
	}); err != nil {
		log.Fatalf("return assign failed: %v", err)
	}
	for _, event := range []string{"accepted", "started", "arrived", "completed"} {
		if err := postJSON(fmt.Sprintf("%s/api/bookings/%s/legs/return/progress", api, bookingID), driverToken, map[string]any{
			"event": event,
		}); err != nil {
			log.Fatalf("return %s failed: %v", event, err)
		}
	}
	waitForStage(events, "car_delivered")

	fmt.Println("Smoke test complete.")
}

func createBooking(api, token string) (string, error) {
	payload := map[string]any{
		"customerId":     envOrDefault("CUSTOMER_ID", "cust_smoke"),
		"pickupAddress":  "12 King Street, Manchester",
		"dropoffAddress": "Unit 4, Trafford Park Garage",
		"pickupAt":       time.Now().Add(48 * time.Hour).Format(time.RFC3339),
		"vehicle":        "VW Golf, LM69 XYZ",
		"service":        "Full service + MOT",
		"amountPaid":     18900,
		"paymentRef":     fmt.Sprintf("pay_smoke_%d", time.Now().UnixNano()),
	}
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", api+"/api/bookings", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	var res map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	id, _ := res["id"].(string)
	if id == "" {
		return "", fmt.Errorf("booking id missing")
	}
	return id, nil
}

func postJSON(url, token string, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func subscribeWS(base, bookingID, token string, sink chan<- map[string]any) {
	u := fmt.Sprintf("%s/ws/bookings/%s", base, bookingID)
	parsed, err := url.Parse(u)
	if err != nil {
		log.Printf("ws url parse failed: %v", err)
		return
	}
	if token != "" {
		q := parsed.Query()
		q.Set("token", token)
		parsed.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		log.Printf("ws dial failed: %v", err)
		return
	}
	defer conn.Close()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		sink <- msg
	}
}

func waitForType(events <-chan map[string]any, want string) {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-events:
			if t, _ := msg["type"].(string); t == want {
				fmt.Printf("ws: received %s\n", want)
				return
			}
		case <-deadline:
			log.Fatalf("timed out waiting for ws %s", want)
		}
	}
}

func waitForStage(events <-chan map[string]any, want string) {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-events:
			b, _ := msg["booking"].(map[string]any)
			if b == nil {
				continue
			}
			if stage, _ := b["currentStage"].(string); stage == want {
				progress, _ := b["overallProgress"].(float64)
				fmt.Printf("ws: booking reached %s (%.0f%%)\n", want, progress)
				return
			}
		case <-deadline:
			log.Fatalf("timed out waiting for stage %s", want)
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

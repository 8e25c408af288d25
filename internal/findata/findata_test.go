package findata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketsage/pocketsage/internal/confirm"
	"github.com/pocketsage/pocketsage/internal/factpack"
)

func testWindow() factpack.TimeWindow {
	return factpack.TimeWindow{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		TZ:    "UTC",
	}
}

func TestBudgets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/user-1/budgets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("start"); !strings.HasPrefix(got, "2026-03-01") {
			t.Errorf("start = %q", got)
		}
		json.NewEncoder(w).Encode([]factpack.Budget{
			{ID: "budget-groceries", Category: "groceries", Spent: 212.17, Limit: 400},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1", nil)
	budgets, err := c.Budgets(context.Background(), "user-1", testWindow())
	if err != nil {
		t.Fatalf("Budgets() error: %v", err)
	}
	if len(budgets) != 1 || budgets[0].ID != "budget-groceries" {
		t.Errorf("budgets = %+v", budgets)
	}
}

func TestBalancesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1", nil)
	if _, err := c.Balances(context.Background(), "user-1"); err == nil {
		t.Fatal("Balances() succeeded against a failing backend")
	}
}

func TestExecute(t *testing.T) {
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/v1/users/user-1/actions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body actionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Type != "adjust_budget" || body.Entity != "groceries" {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(actionResponse{Status: "ok", Detail: "groceries limit now $450.00"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1", nil)
	result, err := c.Execute(context.Background(), "user-1", confirm.Action{
		Type:   "adjust_budget",
		Entity: "groceries",
		Data:   map[string]any{"limit": 450.0},
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != "groceries limit now $450.00" {
		t.Errorf("result = %q", result)
	}
	if posts != 1 {
		t.Errorf("POST count = %d, want 1 (mutations must not retry)", posts)
	}
}

func TestExecuteRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "limit out of range", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1", nil)
	_, err := c.Execute(context.Background(), "user-1", confirm.Action{Type: "adjust_budget"})
	if err == nil {
		t.Fatal("Execute() succeeded on a rejected action")
	}
	if !strings.Contains(err.Error(), "limit out of range") {
		t.Errorf("error %v missing backend detail", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1", nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

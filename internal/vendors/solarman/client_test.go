package solarman

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

func TestHashPassword(t *testing.T) {
	got := HashPassword("123456")
	want := "8d969eef6ecad3c29a3a629280e686cf0c3f5d5a86aff3ca12020c923adc6c92"
	if got != want {
		t.Fatalf("HashPassword = %s, want %s", got, want)
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DeyeConfig()
	cfg.BaseURL = srv.URL
	client, err := NewClient(cfg, log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestLoginTwoPhaseGrant(t *testing.T) {
	var grants []string
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-s/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		grants = append(grants, r.FormValue("org_id"))
		if r.FormValue("password") != HashPassword("pw") {
			t.Errorf("password field must carry the sha256 digest")
		}
		if r.FormValue("clear_text_pwd") != "pw" {
			t.Errorf("clear_text_pwd must carry the clear password")
		}
		w.Write([]byte(`{"access_token":"tok` + r.FormValue("org_id") + `","refresh_token":"r"}`))
	})
	mux.HandleFunc("/user-s/acc/org/my", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("org lookup auth = %q", got)
		}
		w.Write([]byte(`[{"org":{"id":42}}]`))
	})

	client := newTestClient(t, mux)
	if err := client.Login(context.Background(), acquisition.Credential{Username: "u", Password: "pw"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(grants) != 2 || grants[0] != "" || grants[1] != "42" {
		t.Fatalf("grants = %v, want anonymous then org-scoped", grants)
	}
	if client.token != "tok42" {
		t.Fatalf("token = %q, want the org-scoped one", client.token)
	}
}

func TestFetchDayMissingRecordsEndsHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/maintain-s/history/power/9/record", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"no data"}`))
	})

	client := newTestClient(t, mux)
	_, err := client.FetchDay(context.Background(), acquisition.Plant{ID: 1, VendorPlantID: "9"}, time.Now())
	if !errors.Is(err, acquisition.ErrEndOfHistory) {
		t.Fatalf("err = %v, want ErrEndOfHistory", err)
	}
}

func TestFetchDayServerErrorIsSessionExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/maintain-s/history/power/9/record", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	client := newTestClient(t, mux)
	_, err := client.FetchDay(context.Background(), acquisition.Plant{ID: 1, VendorPlantID: "9"}, time.Now())
	if !errors.Is(err, acquisition.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestFetchMonthScalesKilowattHours(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/maintain-s/history/power/9/stats/month", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("year") != "2023" || r.URL.Query().Get("month") != "10" {
			t.Errorf("query = %v", r.URL.Query())
		}
		w.Write([]byte(`{"records":[{"acceptDay":"20231005","generationValue":12.5},{"acceptDay":"20231006","generationValue":null}]}`))
	})

	client := newTestClient(t, mux)
	month := time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC)
	readings, err := client.FetchMonth(context.Background(), acquisition.Plant{ID: 3, VendorPlantID: "9"}, month)
	if err != nil {
		t.Fatalf("fetch month: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	if readings[0].EnergyWh != 12500 {
		t.Fatalf("energy = %v Wh, want 12500", readings[0].EnergyWh)
	}
	if readings[1].EnergyWh != 0 {
		t.Fatalf("null generation = %v, want 0", readings[1].EnergyWh)
	}
	if readings[0].TS.Day() != 5 {
		t.Fatalf("day = %d, want 5", readings[0].TS.Day())
	}
}

func TestFetchMonthEmptyRecordsIsEmptyPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/maintain-s/history/power/9/stats/month", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[]}`))
	})

	client := newTestClient(t, mux)
	readings, err := client.FetchMonth(context.Background(), acquisition.Plant{VendorPlantID: "9"}, time.Now())
	if err != nil {
		t.Fatalf("fetch month: %v", err)
	}
	if len(readings) != 0 {
		t.Fatalf("got %d readings, want an empty page", len(readings))
	}
}

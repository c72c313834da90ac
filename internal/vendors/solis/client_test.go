package solis

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestLoginSignsRequestAndStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/login2", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if got, want := r.Header.Get("Authorization"), authorization("/user/login2", body, r.Header.Get("Time")); got != want {
			t.Errorf("authorization = %q, want %q", got, want)
		}
		if got, want := r.Header.Get("Content-Md5"), contentMD5(body); got != want {
			t.Errorf("content-md5 = %q, want %q", got, want)
		}
		w.Write([]byte(`{"csrfToken":"csrf-1"}`))
	})

	client := newTestClient(t, mux)
	if err := client.Login(context.Background(), acquisition.Credential{Username: "u", Password: "pw"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if client.csrfToken != "csrf-1" {
		t.Fatalf("csrf token = %q", client.csrfToken)
	}
}

func TestLoginWithoutTokenFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/login2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"msg":"password error"}`))
	})

	client := newTestClient(t, mux)
	if err := client.Login(context.Background(), acquisition.Credential{Username: "u", Password: "pw"}); err == nil {
		t.Fatal("login should fail without a csrf token")
	}
}

func TestPlantsConvertsUnitStrings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/station/list", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Token"); got != "csrf-1" {
			t.Errorf("token header = %q", got)
		}
		w.Write([]byte(`{"data":{"page":{"records":[
			{"id":101,"stationName":"Fazenda Norte","dayEnergy":12.5,"dayEnergyStr":"kWh","allEnergy":1.2,"allEnergyStr":"MWh","latitude":-29.1,"longitude":-51.2}
		]}}}`))
	})

	client := newTestClient(t, mux)
	client.csrfToken = "csrf-1"
	plants, err := client.Plants(context.Background())
	if err != nil {
		t.Fatalf("plants: %v", err)
	}
	if len(plants) != 1 {
		t.Fatalf("got %d plants, want 1", len(plants))
	}
	if plants[0].VendorPlantID != "101" || plants[0].Name != "Fazenda Norte" {
		t.Fatalf("plant = %+v", plants[0])
	}
	if plants[0].EnergyTodayWh != 12500 {
		t.Fatalf("today = %v Wh, want 12500", plants[0].EnergyTodayWh)
	}
	if plants[0].EnergyTotalWh != 1.2e6 {
		t.Fatalf("total = %v Wh, want 1.2e6", plants[0].EnergyTotalWh)
	}
}

func TestFetchDayZipsPowerAndTime(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chart/station/day/v2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"power":[0,480.5],"time":[1696503600000,1696503900000]}}`))
	})

	client := newTestClient(t, mux)
	day := time.Date(2023, 10, 5, 0, 0, 0, 0, time.UTC)
	readings, err := client.FetchDay(context.Background(), acquisition.Plant{ID: 7, VendorPlantID: "101"}, day)
	if err != nil {
		t.Fatalf("fetch day: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	if readings[1].EnergyWh != 480.5 {
		t.Fatalf("energy = %v, want 480.5", readings[1].EnergyWh)
	}
	if readings[1].TS.UnixMilli() != 1696503900000 {
		t.Fatalf("ts = %v", readings[1].TS)
	}
}

func TestFetchDayNullDataEndsHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chart/station/day/v2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":null}`))
	})

	client := newTestClient(t, mux)
	_, err := client.FetchDay(context.Background(), acquisition.Plant{VendorPlantID: "101"}, time.Now())
	if !errors.Is(err, acquisition.ErrEndOfHistory) {
		t.Fatalf("err = %v, want ErrEndOfHistory", err)
	}
}

func TestFetchMonthScalesKilowattHours(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chart/station/month", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"date":1696474800000,"energy":41.3}]}`))
	})

	client := newTestClient(t, mux)
	month := time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC)
	readings, err := client.FetchMonth(context.Background(), acquisition.Plant{ID: 7, VendorPlantID: "101"}, month)
	if err != nil {
		t.Fatalf("fetch month: %v", err)
	}
	if len(readings) != 1 || readings[0].EnergyWh != 41300 {
		t.Fatalf("readings = %+v, want one 41300 Wh total", readings)
	}
}

func TestFetchMonthEmptyDataEndsHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chart/station/month", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})

	client := newTestClient(t, mux)
	_, err := client.FetchMonth(context.Background(), acquisition.Plant{VendorPlantID: "101"}, time.Now())
	if !errors.Is(err, acquisition.ErrEndOfHistory) {
		t.Fatalf("err = %v, want ErrEndOfHistory", err)
	}
}

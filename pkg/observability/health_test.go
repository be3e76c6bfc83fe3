package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestNewHealthChecker(t *testing.T) {
	t.Run("with nil dependencies", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil, "test")
		if checker == nil {
			t.Fatal("Expected non-nil checker")
		}
		if checker.db != nil {
			t.Error("Expected nil db")
		}
		if checker.redis != nil {
			t.Error("Expected nil redis")
		}
		if checker.version != "test" {
			t.Errorf("Expected version test, got %q", checker.version)
		}
	})

	t.Run("with real dependencies", func(t *testing.T) {
		db, _, err := sqlmock.New()
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		defer mr.Close()

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		checker := NewHealthChecker(db, client, "1.2.3")
		if checker.db == nil {
			t.Error("Expected non-nil db")
		}
		if checker.redis == nil {
			t.Error("Expected non-nil redis")
		}
	})
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "test")

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	checker.Liveness(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != StatusHealthy {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("healthy database", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		checker := NewHealthChecker(db, nil, "1.0.0")
		status := checker.Check(context.Background())

		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", status.Status)
		}
		if status.Version != "1.0.0" {
			t.Errorf("Expected version 1.0.0, got %q", status.Version)
		}
		dep, ok := status.Dependencies["database"]
		if !ok {
			t.Fatal("Expected database dependency status")
		}
		if dep.Status != StatusHealthy {
			t.Errorf("Expected healthy database, got %s", dep.Status)
		}
	})

	t.Run("unreachable database is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		checker := NewHealthChecker(db, nil, "")
		status := checker.Check(context.Background())

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy, got %s", status.Status)
		}
	})

	t.Run("failed probe query is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("relation missing"))

		checker := NewHealthChecker(db, nil, "")
		status := checker.Check(context.Background())

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy, got %s", status.Status)
		}
	})

	t.Run("redis down degrades but does not fail", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		mr.Close()

		checker := NewHealthChecker(db, client, "")
		status := checker.Check(context.Background())

		if status.Status != StatusDegraded {
			t.Errorf("Expected degraded, got %s", status.Status)
		}
		dep := status.Dependencies["redis"]
		if dep.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy redis dependency, got %s", dep.Status)
		}
	})

	t.Run("healthy redis", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		defer mr.Close()

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		checker := NewHealthChecker(db, client, "")
		status := checker.Check(context.Background())

		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", status.Status)
		}
	})
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("returns 200 when healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		checker := NewHealthChecker(db, nil, "1.0.0")

		req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
		rec := httptest.NewRecorder()
		checker.Readiness(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}

		var status HealthStatus
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", status.Status)
		}
	})

	t.Run("returns 503 when database is down", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		checker := NewHealthChecker(db, nil, "")

		req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
		rec := httptest.NewRecorder()
		checker.Readiness(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503, got %d", rec.Code)
		}
	})
}

func TestRegisterHealthRoutes(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "")
	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, checker)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200 for %s, got %d", path, rec.Code)
		}
	}
}

func TestHealthStatusSerialization(t *testing.T) {
	status := HealthStatus{
		Status:    StatusDegraded,
		Timestamp: time.Now(),
		Version:   "2.0.0",
		Dependencies: map[string]DependencyStatus{
			"redis": {Status: StatusUnhealthy, Message: "timeout", Timestamp: time.Now()},
		},
	}

	data, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var decoded HealthStatus
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if decoded.Status != StatusDegraded {
		t.Errorf("Expected degraded, got %s", decoded.Status)
	}
	if decoded.Dependencies["redis"].Message != "timeout" {
		t.Errorf("Expected timeout message, got %q", decoded.Dependencies["redis"].Message)
	}
}

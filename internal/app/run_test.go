package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/medsync/internal/model"
)

// fakeAPI はログインと薬一覧のみを提供するサーバー。
type fakeAPI struct {
	*httptest.Server
	token  string
	reject atomic.Bool
}

func newFakeAPI(t *testing.T, role string) *fakeAPI {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       1,
		"username": "alice",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	f := &fakeAPI{token: tok}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Username != "alice" || req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token": tok,
			"user":  map[string]any{"id": 1, "username": "alice"},
			"role":  role,
		})
	})
	mux.HandleFunc("GET /api/medications", func(w http.ResponseWriter, r *http.Request) {
		if f.reject.Load() || r.Header.Get("Authorization") != "Bearer "+tok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id":1,"name":"Aspirin","dosage":"100mg","frequency":"daily","user_id":1,"logs":[
			{"id":10,"medication_id":1,"date":"2024-03-01","taken":1},
			{"id":11,"medication_id":1,"date":"2024-03-02","taken":0}]}]`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func setTestEnv(t *testing.T, apiURL string) {
	t.Helper()
	t.Setenv("MEDSYNC_CONFIG", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("API_BASE_URL", apiURL)
	t.Setenv("CREDENTIAL_STORE", "badger")
	t.Setenv("CREDENTIAL_DIR", t.TempDir())
	t.Setenv("CREDENTIAL_PROFILE", "test")
	t.Setenv("MEDSYNC_USERNAME", "")
	t.Setenv("MEDSYNC_PASSWORD", "secret")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Run(&stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := Run(&stdout, &stderr, []string{"worker"})
	if err == nil {
		t.Fatal("Run(worker) should return error")
	}
	if !strings.Contains(stderr.String(), "usage: medsync") {
		t.Errorf("usage should be printed, got %q", stderr.String())
	}
}

func TestRun_WithInvalidConfig_ReturnsError(t *testing.T) {
	t.Setenv("MEDSYNC_CONFIG", "")
	t.Setenv("API_BASE_URL", "not a url")

	if _, err := run(t, "whoami"); err == nil {
		t.Fatal("Run with invalid config should return error")
	}
}

func TestRun_LoginWhoamiLogout(t *testing.T) {
	api := newFakeAPI(t, "caretaker")
	setTestEnv(t, api.URL)

	out, err := run(t, "login", "-username", "alice")
	if err != nil {
		t.Fatalf("login returned error: %v", err)
	}
	if !strings.Contains(out, "user: alice (id 1)") || !strings.Contains(out, "role: caretaker") {
		t.Errorf("login output = %q", out)
	}

	// 別プロセス相当の実行でも保存済みのセッションが復元される
	out, err = run(t, "whoami")
	if err != nil {
		t.Fatalf("whoami returned error: %v", err)
	}
	if !strings.Contains(out, "role: caretaker") || !strings.Contains(out, "home: /caretaker-dashboard") {
		t.Errorf("whoami output = %q", out)
	}

	if out, err = run(t, "logout"); err != nil || !strings.Contains(out, "logged out") {
		t.Fatalf("logout = %q, %v", out, err)
	}
	out, err = run(t, "whoami")
	if err != nil {
		t.Fatalf("whoami returned error: %v", err)
	}
	if !strings.Contains(out, "not logged in") {
		t.Errorf("whoami after logout = %q", out)
	}
}

func TestRun_LoginWithWrongPassword(t *testing.T) {
	api := newFakeAPI(t, "patient")
	setTestEnv(t, api.URL)
	t.Setenv("MEDSYNC_PASSWORD", "wrong")

	_, err := run(t, "login", "-username", "alice")
	if !model.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
	out, _ := run(t, "whoami")
	if !strings.Contains(out, "not logged in") {
		t.Errorf("failed login must not persist a session, got %q", out)
	}
}

func TestRun_LoginRequiresUsername(t *testing.T) {
	api := newFakeAPI(t, "patient")
	setTestEnv(t, api.URL)

	_, err := run(t, "login")
	if !model.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestRun_Summary(t *testing.T) {
	api := newFakeAPI(t, "patient")
	setTestEnv(t, api.URL)

	if _, err := run(t, "login", "-username", "alice"); err != nil {
		t.Fatalf("login returned error: %v", err)
	}
	out, err := run(t, "summary")
	if err != nil {
		t.Fatalf("summary returned error: %v", err)
	}
	if !strings.Contains(out, "Aspirin 100mg, daily\t50.0% (1/2)") {
		t.Errorf("summary output = %q", out)
	}
	if !strings.Contains(out, "overall\t50.0% (2 logs)") {
		t.Errorf("summary output = %q", out)
	}
}

func TestRun_SummaryWithoutSession(t *testing.T) {
	api := newFakeAPI(t, "patient")
	setTestEnv(t, api.URL)

	_, err := run(t, "summary")
	if !model.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestRun_ServerRejectionClearsSession(t *testing.T) {
	api := newFakeAPI(t, "patient")
	setTestEnv(t, api.URL)

	if _, err := run(t, "login", "-username", "alice"); err != nil {
		t.Fatalf("login returned error: %v", err)
	}
	api.reject.Store(true)

	_, err := run(t, "summary")
	if !model.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
	out, _ := run(t, "whoami")
	if !strings.Contains(out, "not logged in") {
		t.Errorf("rejected session must be cleared, got %q", out)
	}
}

func TestRun_TakeAsCaretakerIsRejected(t *testing.T) {
	api := newFakeAPI(t, "caretaker")
	setTestEnv(t, api.URL)

	if _, err := run(t, "login", "-username", "alice"); err != nil {
		t.Fatalf("login returned error: %v", err)
	}
	_, err := run(t, "take", "-medication", "1", "-date", "2024-03-01")
	if !model.IsRoleMismatch(err) {
		t.Fatalf("err = %v, want role mismatch", err)
	}
}

func TestRun_TakeRejectsInvalidDate(t *testing.T) {
	api := newFakeAPI(t, "patient")
	setTestEnv(t, api.URL)

	_, err := run(t, "take", "-medication", "1", "-date", "03/01/2024")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || !model.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

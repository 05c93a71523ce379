package directory

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newDirectoryServer(t *testing.T) (*httptest.Server, map[string]string) {
	t.Helper()
	keys := map[string]string{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Username, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Username == "taken" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Username, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "correct horse" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "token-" + body.Username})
	})
	mux.HandleFunc("POST /keys/upload", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username  string `json:"username"`
			PublicKey string `json:"public_key"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		keys[body.Username] = body.PublicKey
	})
	mux.HandleFunc("GET /keys/get/{username}", func(w http.ResponseWriter, r *http.Request) {
		key, ok := keys[r.PathValue("username")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"public_key": key})
	})
	mux.HandleFunc("POST /keys/batch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Usernames []string `json:"usernames"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := map[string]string{}
		for _, u := range body.Usernames {
			if key, ok := keys[u]; ok {
				out[u] = key
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": out})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, keys
}

func TestLoginReturnsToken(t *testing.T) {
	server, _ := newDirectoryServer(t)
	client := NewClient(server.URL)

	token, err := client.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token != "token-alice" {
		t.Fatalf("token = %q", token)
	}

	if _, err := client.Login(context.Background(), "alice", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad password error = %v, want ErrUnauthorized", err)
	}
}

func TestRegisterConflict(t *testing.T) {
	server, _ := newDirectoryServer(t)
	client := NewClient(server.URL)

	if err := client.Register(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := client.Register(context.Background(), "taken", "pw"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("conflict error = %v, want ErrUserExists", err)
	}
}

func TestPublishAndLookupKey(t *testing.T) {
	server, stored := newDirectoryServer(t)
	client := NewClient(server.URL)

	publicKey := []byte("0123456789abcdef0123456789abcdef")
	if err := client.PublishKey(context.Background(), "alice", publicKey); err != nil {
		t.Fatalf("PublishKey: %v", err)
	}
	if stored["alice"] != base64.StdEncoding.EncodeToString(publicKey) {
		t.Fatalf("stored key = %q", stored["alice"])
	}

	got, err := client.LookupKey(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LookupKey: %v", err)
	}
	if !bytes.Equal(got, publicKey) {
		t.Fatalf("looked up key = %x", got)
	}

	if _, err := client.LookupKey(context.Background(), "nobody"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("missing key error = %v, want ErrKeyNotFound", err)
	}
}

func TestLookupKeysBatchSkipsUnknownUsers(t *testing.T) {
	server, _ := newDirectoryServer(t)
	client := NewClient(server.URL)

	aliceKey := []byte("alice-key-material")
	if err := client.PublishKey(context.Background(), "alice", aliceKey); err != nil {
		t.Fatalf("PublishKey: %v", err)
	}

	keys, err := client.LookupKeys(context.Background(), []string{"alice", "nobody"})
	if err != nil {
		t.Fatalf("LookupKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	if !bytes.Equal(keys["alice"], aliceKey) {
		t.Fatalf("alice key = %x", keys["alice"])
	}
}

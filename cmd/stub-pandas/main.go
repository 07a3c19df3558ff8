// Command stub-pandas fakes the downstream pandas identity provider for
// local development: an OAuth2 client-credentials token endpoint and the
// user CRUD surface the identity sync worker drives. Accounts live in
// memory and vanish on restart.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stubToken is the only access token the stub ever issues or accepts.
const stubToken = "stub-pandas-access-token"

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  WARNING: This is a STUB identity provider for local dev. ║")
	log.Println("║  Accounts are held in memory and lost on restart.          ║")
	log.Println("║                                                            ║")
	log.Println("║  Point the hub at it with:                                 ║")
	log.Println("║    PANDAS_BASE_URL=http://localhost:9090                   ║")
	log.Println("║    PANDAS_TOKEN_URL=http://localhost:9090/oauth/token      ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	store := &accountStore{users: map[string]string{}}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stub-pandas"}`))
	})

	// Any client id and secret are accepted; real credential checks are
	// the production provider's concern.
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": stubToken,
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("GET /api/users", requireToken(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"usernames": store.list()})
	}))

	mux.HandleFunc("POST /api/users", requireToken(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and password are required"})
			return
		}
		store.put(body.Username, body.Password)
		log.Printf("[StubPandas] Created user %s", body.Username)
		writeJSON(w, http.StatusCreated, map[string]string{"username": body.Username})
	}))

	mux.HandleFunc("PUT /api/users/{username}/password", requireToken(func(w http.ResponseWriter, r *http.Request) {
		username := r.PathValue("username")
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "password is required"})
			return
		}
		if !store.has(username) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user"})
			return
		}
		store.put(username, body.Password)
		log.Printf("[StubPandas] Updated password for %s", username)
		writeJSON(w, http.StatusOK, map[string]string{"username": username})
	}))

	mux.HandleFunc("DELETE /api/users/{username}", requireToken(func(w http.ResponseWriter, r *http.Request) {
		username := r.PathValue("username")
		if !store.has(username) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user"})
			return
		}
		store.delete(username)
		log.Printf("[StubPandas] Deleted user %s", username)
		w.WriteHeader(http.StatusNoContent)
	}))

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[StubPandas] Listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[StubPandas] Stopped")
}

// accountStore is the in-memory username to password map.
type accountStore struct {
	mu    sync.Mutex
	users map[string]string
}

func (s *accountStore) put(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

func (s *accountStore) has(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

func (s *accountStore) delete(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
}

func (s *accountStore) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	return names
}

func requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != stubToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid token"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

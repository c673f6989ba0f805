package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// NewHTTPServer wires the login endpoint, the websocket endpoint and the
// static dashboard. Everything stateful lives behind the hub and the
// authenticator; these handlers are thin.
func NewHTTPServer(cfg Config, auth *TokenAuthenticator, hub *Hub) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "username and password required"})
			return
		}
		if !checkCredentials(cfg.Users, req.Username, req.Password) {
			writeJSON(w, http.StatusUnauthorized, messageResponse{Message: "invalid credentials"})
			return
		}
		token, err := auth.IssueToken(req.Username)
		if err != nil {
			log.Printf("token issue error: %v", err)
			writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Token: token})
	})

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	})

	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "smart trashcan backend running")
		})
	}

	return &http.Server{Addr: cfg.ListenAddr, Handler: mux}
}

// checkCredentials compares against every configured user so timing does not
// reveal which usernames exist.
func checkCredentials(users []UserCredential, username, password string) bool {
	ok := false
	for _, u := range users {
		nameMatch := subtle.ConstantTimeCompare([]byte(u.Username), []byte(username))
		passMatch := subtle.ConstantTimeCompare([]byte(u.Password), []byte(password))
		if nameMatch&passMatch == 1 {
			ok = true
		}
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("response encode error: %v", err)
	}
}

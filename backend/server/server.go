package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/form3tech-oss/jwt-go"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/strideclub/coach/backend/engine"
	contextKey "github.com/strideclub/coach/backend/server/context_key"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// jwtMiddleware validates the bearer token on every engine route and
// injects the caller's user id into the request context under
// contextKey.UserIDKey. Authentication itself is owned by an external
// system; this middleware only establishes identity, once, at the request
// boundary. Handlers read the id from context and pass it explicitly into
// every engine call. A missing or invalid token is rejected with 401
// before any handler runs.
func jwtMiddleware(signingKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		splitToken := strings.Split(authHeader, "Bearer ")
		if len(splitToken) != 2 {
			http.Error(w, "malformed authorization header", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(splitToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(signingKey), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		idClaim, ok := claims["id"].(string)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID, err := primitive.ObjectIDFromHex(idClaim)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey.UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoveryMiddleware recovers from panics and provides a generic error message to the client.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("Panic recovered: %s\n", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the engine's HTTP surface on top of the given engine.
// Every route sits behind the JWT middleware; the thin presentation layer
// consuming this API is out of scope.
func NewRouter(signingKey string, eng *engine.Engine) http.Handler {
	s := &Server{engine: eng}

	r := mux.NewRouter()
	r.HandleFunc("/enroll", s.handleEnroll).Methods(http.MethodPost)
	r.HandleFunc("/habits/today", s.handleToday).Methods(http.MethodGet)
	r.HandleFunc("/habits/date/{date}", s.handleDate).Methods(http.MethodGet)
	r.HandleFunc("/habits/range", s.handleRange).Methods(http.MethodGet)
	r.HandleFunc("/habits/reconcile", s.handleReconcile).Methods(http.MethodPost)
	r.HandleFunc("/habits/standalone", s.handleCreateStandalone).Methods(http.MethodPost)
	r.HandleFunc("/habits/{id}/toggle", s.handleToggle).Methods(http.MethodPatch)
	r.HandleFunc("/routines/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/routines/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/routines/abandon", s.handleAbandon).Methods(http.MethodPost)
	r.HandleFunc("/coaching/stats", s.handleStats).Methods(http.MethodGet)

	return recoveryMiddleware(jwtMiddleware(signingKey, r))
}

// Start initializes and starts the coaching engine server. Runs on localhost:8080 by default.
// The function requires a serverURL (the URL where the server must be deployed) and the JWT signing key.
func Start(serverURL, signingKey string, eng *engine.Engine) {
	router := NewRouter(signingKey, eng)

	// Apply the CORS middleware to the router
	corsOrigins := handlers.AllowedOrigins([]string{"*"})
	corsMethods := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	corsHeaders := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"})

	// Wrap the router with the CORS middleware
	corsRouter := handlers.CORS(corsOrigins, corsMethods, corsHeaders)(router)

	// Apply the logging middleware
	loggingRouter := handlers.LoggingHandler(os.Stdout, corsRouter)

	// Parsing the server url
	u, err := url.Parse(serverURL)
	if err != nil {
		panic(err)
	}

	// Start the server
	server := &http.Server{
		Handler:      loggingRouter,
		Addr:         u.Host,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	log.Fatal(server.ListenAndServe())
}

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Vicky270506/awake-watch-tech/internal/database"
	"github.com/Vicky270506/awake-watch-tech/internal/logging"
	"github.com/Vicky270506/awake-watch-tech/internal/models"
	"github.com/Vicky270506/awake-watch-tech/internal/services"
)

// sessionStore maps cookie values to user IDs. Guarded because HTTP handlers
// run concurrently.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]int
}

var userSessions = &sessionStore{sessions: make(map[string]int)}

func (s *sessionStore) get(key string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[key]
	return id, ok
}

func (s *sessionStore) put(key string, userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = userID
}

func (s *sessionStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

func (s *sessionStore) removeUser(userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, id := range s.sessions {
		if id == userID {
			delete(s.sessions, key)
		}
	}
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateEmail(email string) bool {
	return emailRegex.MatchString(email) && len(email) <= 255
}

func validatePassword(password string) bool {
	if len(password) < 8 || len(password) > 72 {
		return false
	}
	hasLetter := false
	hasNumber := false
	for _, char := range password {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') {
			hasLetter = true
		}
		if char >= '0' && char <= '9' {
			hasNumber = true
		}
	}
	return hasLetter && hasNumber
}

func validateUsername(username string) bool {
	return len(username) >= 3 && len(username) <= 30 && usernameRegex.MatchString(username)
}

// requireDB answers 503 when the server is running without persistence
// (startup continues if the database is down; detection does not need it).
func requireDB(w http.ResponseWriter) bool {
	if database.DB == nil {
		http.Error(w, "Persistence unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func getUserIDFromCookie(r *http.Request) (int, bool) {
	cookie, err := r.Cookie("session_id")
	if err != nil {
		return 0, false
	}
	return userSessions.get(cookie.Value)
}

var corsOrigin = "*"

// SetCORSOrigin configures the Access-Control-Allow-Origin header value.
func SetCORSOrigin(origin string) {
	if origin != "" {
		corsOrigin = origin
	}
}

func enableCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cookie")
	w.Header().Set("Content-Type", "application/json")
}

func Register(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" || req.Username == "" {
		http.Error(w, "All fields are required", http.StatusBadRequest)
		return
	}

	if !validateEmail(req.Email) {
		http.Error(w, "Invalid email format", http.StatusBadRequest)
		return
	}

	if !validatePassword(req.Password) {
		http.Error(w, "Password must be 8-72 characters with at least one letter and one number", http.StatusBadRequest)
		return
	}

	if !validateUsername(req.Username) {
		http.Error(w, "Username must be 3-30 characters, alphanumeric and underscore only", http.StatusBadRequest)
		return
	}

	if !requireDB(w) {
		return
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		logging.Error("password hashing failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var userID int
	err = database.DB.QueryRowContext(r.Context(),
		"INSERT INTO users (email, username, password_hash) VALUES ($1, $2, $3) RETURNING id",
		req.Email, req.Username, passwordHash,
	).Scan(&userID)
	if err != nil {
		logging.Warn("registration failed", "error", err)
		errMsg := err.Error()
		switch {
		case strings.Contains(errMsg, "users_username_key"):
			http.Error(w, "Username already taken", http.StatusConflict)
		case strings.Contains(errMsg, "users_email_key"):
			http.Error(w, "Email already registered", http.StatusConflict)
		default:
			http.Error(w, "User already exists", http.StatusConflict)
		}
		return
	}

	user := models.User{
		ID:        userID,
		Email:     req.Email,
		Username:  req.Username,
		CreatedAt: time.Now(),
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
	logging.Info("user registered", "email", req.Email)
}

func Login(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	if !validateEmail(req.Email) {
		http.Error(w, "Invalid email format", http.StatusBadRequest)
		return
	}

	if !requireDB(w) {
		return
	}

	var user models.User
	var storedHash string
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	err := database.DB.QueryRowContext(ctx,
		"SELECT id, email, username, password_hash, created_at FROM users WHERE email = $1",
		req.Email,
	).Scan(&user.ID, &user.Email, &user.Username, &storedHash, &user.CreatedAt)

	if err == sql.ErrNoRows {
		http.Error(w, "Invalid email or password", http.StatusUnauthorized)
		return
	} else if err != nil {
		logging.Error("login query failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid email or password", http.StatusUnauthorized)
		return
	}

	// One active cookie per user.
	userSessions.removeUser(user.ID)

	if oldCookie, err := r.Cookie("session_id"); err == nil {
		userSessions.remove(oldCookie.Value)
	}

	sessionID := uuid.NewString()
	userSessions.put(sessionID, user.ID)

	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    sessionID,
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	json.NewEncoder(w).Encode(user)
	logging.Info("user logged in", "email", req.Email)
}

func Logout(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if cookie, err := r.Cookie("session_id"); err == nil {
		userSessions.remove(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Logged out"))
}

func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, exists := getUserIDFromCookie(r)
	if !exists {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !requireDB(w) {
		return
	}

	var user models.User
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	err := database.DB.QueryRowContext(ctx,
		"SELECT id, email, username, created_at FROM users WHERE id = $1",
		userID,
	).Scan(&user.ID, &user.Email, &user.Username, &user.CreatedAt)

	if err == sql.ErrNoRows {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	} else if err != nil {
		logging.Error("current user query failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(user)
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, exists := getUserIDFromCookie(r)
	if !exists {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if !requireDB(w) {
		return
	}

	var sessionID int
	err := database.DB.QueryRowContext(r.Context(),
		"INSERT INTO sessions (user_id, notes) VALUES ($1, $2) RETURNING id",
		userID, req.Notes,
	).Scan(&sessionID)
	if err != nil {
		logging.Error("session insert failed", "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	session := models.Session{
		ID:        sessionID,
		UserID:    userID,
		StartTime: time.Now(),
		Status:    "active",
		Notes:     req.Notes,
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(session)
	logging.Info("session created", "session_id", sessionID, "user_id", userID)
}

func GetSessions(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, exists := getUserIDFromCookie(r)
	if !exists {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !requireDB(w) {
		return
	}

	rows, err := database.DB.QueryContext(r.Context(),
		"SELECT id, user_id, start_time, end_time, status, notes FROM sessions WHERE user_id = $1 ORDER BY start_time DESC",
		userID,
	)
	if err != nil {
		http.Error(w, "Failed to fetch sessions", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var s models.Session
		var endTime sql.NullTime
		if err := rows.Scan(&s.ID, &s.UserID, &s.StartTime, &endTime, &s.Status, &s.Notes); err != nil {
			continue
		}
		if endTime.Valid {
			s.EndTime = &endTime.Time
		}
		sessions = append(sessions, s)
	}

	json.NewEncoder(w).Encode(sessions)
}

func EndSession(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, exists := getUserIDFromCookie(r)
	if !exists {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	if !requireDB(w) {
		return
	}

	result, err := database.DB.ExecContext(r.Context(),
		"UPDATE sessions SET end_time = $1, status = 'completed' WHERE id = $2 AND user_id = $3",
		time.Now(), sessionID, userID,
	)
	if err != nil {
		logging.Error("session end failed", "error", err)
		http.Error(w, "Failed to end session", http.StatusInternalServerError)
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		http.Error(w, "Session not found or does not belong to user", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Session ended"))
	logging.Info("session ended", "session_id", sessionID)
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, exists := getUserIDFromCookie(r)
	if !exists {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	if !requireDB(w) {
		return
	}

	owner, err := sessionOwner(r.Context(), sessionID)
	if err == sql.ErrNoRows {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	} else if err != nil {
		logging.Error("session ownership check failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if owner != userID {
		http.Error(w, "Unauthorized: session does not belong to user", http.StatusForbidden)
		return
	}

	if _, err := database.DB.ExecContext(r.Context(), "DELETE FROM events WHERE session_id = $1", sessionID); err != nil {
		// Keep going: the session row is the one that matters.
		logging.Warn("event cleanup failed", "error", err)
	}

	result, err := database.DB.ExecContext(r.Context(),
		"DELETE FROM sessions WHERE id = $1 AND user_id = $2", sessionID, userID)
	if err != nil {
		logging.Error("session delete failed", "error", err)
		http.Error(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Session deleted"))
	logging.Info("session deleted", "session_id", sessionID)
}

func sessionOwner(ctx context.Context, sessionID int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var owner int
	err := database.DB.QueryRowContext(ctx,
		"SELECT user_id FROM sessions WHERE id = $1", sessionID,
	).Scan(&owner)
	return owner, err
}

// InsertAlarmEvent records a fired alarm against a recording session. Used by
// the WebSocket layer when a tracker fires.
func InsertAlarmEvent(ctx context.Context, sessionID int, ear, closedFor float64) error {
	if database.DB == nil {
		return nil
	}
	_, err := database.DB.ExecContext(ctx,
		"INSERT INTO events (session_id, ear, closed_for, is_drowsy) VALUES ($1, $2, $3, true)",
		sessionID, ear, closedFor,
	)
	return err
}

func SaveEvent(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, exists := getUserIDFromCookie(r)
	if !exists {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if !requireDB(w) {
		return
	}

	owner, err := sessionOwner(r.Context(), req.SessionID)
	if err == sql.ErrNoRows {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	} else if err != nil {
		logging.Error("session ownership check failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if owner != userID {
		http.Error(w, "Unauthorized: session does not belong to user", http.StatusForbidden)
		return
	}

	var eventID int
	err = database.DB.QueryRowContext(r.Context(),
		"INSERT INTO events (session_id, ear, closed_for, is_drowsy) VALUES ($1, $2, $3, $4) RETURNING id",
		req.SessionID, req.EAR, req.ClosedFor, req.IsDrowsy,
	).Scan(&eventID)
	if err != nil {
		logging.Error("event insert failed", "error", err)
		http.Error(w, "Failed to save event", http.StatusInternalServerError)
		return
	}

	event := models.Event{
		ID:        eventID,
		SessionID: req.SessionID,
		EAR:       req.EAR,
		ClosedFor: req.ClosedFor,
		IsDrowsy:  req.IsDrowsy,
		Timestamp: time.Now(),
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(event)
}

func GetEvents(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, exists := getUserIDFromCookie(r)
	if !exists {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := strconv.Atoi(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	if !requireDB(w) {
		return
	}

	owner, err := sessionOwner(r.Context(), sessionID)
	if err == sql.ErrNoRows {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	} else if err != nil {
		logging.Error("session ownership check failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if owner != userID {
		http.Error(w, "Unauthorized: session does not belong to user", http.StatusForbidden)
		return
	}

	rows, err := database.DB.QueryContext(r.Context(),
		"SELECT id, session_id, ear, closed_for, is_drowsy, timestamp FROM events WHERE session_id = $1 ORDER BY timestamp DESC",
		sessionID,
	)
	if err != nil {
		http.Error(w, "Failed to fetch events", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EAR, &e.ClosedFor, &e.IsDrowsy, &e.Timestamp); err != nil {
			continue
		}
		events = append(events, e)
	}

	json.NewEncoder(w).Encode(events)
}

// Health reports server liveness plus the headline counters.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "Method not allowed"})
		return
	}

	m := services.GetMetrics()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "healthy",
		"active_clients":  m.GetWebSocketConnections(),
		"total_processed": m.GetTotalFrames(),
		"total_alarms":    m.GetTotalAlarms(),
		"total_errors":    m.GetTotalErrors(),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

// MetricsJSON serves the counter snapshot as JSON; the Prometheus endpoint is
// registered separately.
func MetricsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "Method not allowed"})
		return
	}
	json.NewEncoder(w).Encode(services.GetMetrics().Snapshot())
}

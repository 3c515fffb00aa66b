package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/middleware"
)

// ListUsers handles GET /api/v1/users (admin only).
func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"users": users})
}

// CreateUser handles POST /api/v1/users (admin only).
func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		respondError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if body.Role == "" {
		body.Role = "operator"
	}
	if !auth.ValidRole(body.Role) {
		respondError(w, http.StatusBadRequest, "Unknown role")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	user := &database.User{
		Username:     body.Username,
		PasswordHash: hash,
		Role:         body.Role,
	}
	if err := database.CreateUser(user); err != nil {
		respondError(w, http.StatusConflict, "Username already exists")
		return
	}

	respond(w, http.StatusCreated, user)
}

// DeleteUser handles DELETE /api/v1/users/{userID} (admin only). Deleting a
// user also revokes their grants and their live web sessions.
func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	if me, ok := middleware.GetPrincipal(r); ok && me.UserID == uint(id) {
		respondError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if err := database.DeleteUser(uint(id)); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	if SessionStore != nil {
		SessionStore.RevokeUser(uint(id))
	}

	respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetUserGrants handles GET /api/v1/users/{userID}/grants/{hostID} (admin only).
func GetUserGrants(w http.ResponseWriter, r *http.Request) {
	userID, err1 := strconv.Atoi(chi.URLParam(r, "userID"))
	hostID, err2 := strconv.Atoi(chi.URLParam(r, "hostID"))
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "Invalid user or host ID")
		return
	}

	grants, err := database.GetUserHostGrants(uint(userID), uint(hostID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list grants")
		return
	}

	users := make([]string, len(grants))
	for i, g := range grants {
		users[i] = g.ConnectUser
	}
	respond(w, http.StatusOK, map[string]interface{}{"connect_users": users})
}

// SetUserGrants handles PUT /api/v1/users/{userID}/grants/{hostID} (admin
// only): replaces the user's connect-user grants for one host.
func SetUserGrants(w http.ResponseWriter, r *http.Request) {
	userID, err1 := strconv.Atoi(chi.URLParam(r, "userID"))
	hostID, err2 := strconv.Atoi(chi.URLParam(r, "hostID"))
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "Invalid user or host ID")
		return
	}

	var body struct {
		ConnectUsers []string `json:"connect_users"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, err := database.GetUserByID(uint(userID)); err != nil {
		respondError(w, http.StatusNotFound, "User not found")
		return
	}
	if _, err := database.GetHostByID(uint(hostID)); err != nil {
		respondError(w, http.StatusNotFound, "Host not found")
		return
	}

	if err := database.SetUserHostGrants(uint(userID), uint(hostID), body.ConnectUsers); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to set grants")
		return
	}

	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

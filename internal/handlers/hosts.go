package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/policy"
)

type hostResponse struct {
	ID            uint      `json:"id"`
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func toHostResponse(h database.Host) hostResponse {
	return hostResponse{
		ID:            h.ID,
		Name:          h.Name,
		DisplayName:   h.DisplayName,
		Address:       h.Address,
		Port:          h.Port,
		Status:        h.Status,
		LastHeartbeat: h.LastHeartbeat,
	}
}

// ListHosts handles GET /api/v1/hosts.
func ListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := database.ListHosts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}
	resp := make([]hostResponse, len(hosts))
	for i, h := range hosts {
		resp[i] = toHostResponse(h)
	}
	respond(w, http.StatusOK, map[string]interface{}{"hosts": resp})
}

// ResolveConnectUsers handles GET /api/v1/hosts/{hostID}/connect-users: the
// access policy resolver endpoint the negotiator queries. The decision is
// computed fresh on every call; clients must not cache it across
// negotiations.
func ResolveConnectUsers(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "hostID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}

	operator, _ := middleware.GetPrincipal(r)
	decision, err := policy.Resolver{DB: database.DB}.Resolve(operator, uint(id))
	switch {
	case errors.Is(err, policy.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	case errors.Is(err, policy.ErrHostNotFound):
		respondError(w, http.StatusNotFound, "Host not found")
		return
	case err != nil:
		log.Printf("[hosts] policy query failed for host %d: %v", id, err)
		respondError(w, http.StatusInternalServerError, "Access check failed")
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"allowed":       decision.Allowed,
		"connect_users": decision.ConnectUsers,
	})
}

func registrationAuthorized(r *http.Request) bool {
	token := config.Cfg.RegistrationToken
	if token == "" {
		return false
	}
	presented := r.Header.Get("X-Registration-Token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1
}

// RegisterHost handles POST /agents/register: a host agent announces itself
// and uploads the key material the relay will dial it with. Authenticated
// by the shared registration token, not an operator session.
func RegisterHost(w http.ResponseWriter, r *http.Request) {
	if !registrationAuthorized(r) {
		respondError(w, http.StatusUnauthorized, "Invalid registration token")
		return
	}

	var body struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Address     string `json:"address"`
		Port        int    `json:"port"`
		Shell       string `json:"shell"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Name == "" || body.Address == "" {
		respondError(w, http.StatusBadRequest, "Name and address are required")
		return
	}
	if body.Port == 0 {
		body.Port = 22
	}

	host, err := database.GetHostByName(body.Name)
	if err != nil {
		host = &database.Host{Name: body.Name, Status: database.HostUnknown}
	}
	host.DisplayName = body.DisplayName
	host.Address = body.Address
	host.Port = body.Port
	host.Shell = body.Shell
	if body.PrivateKey != "" {
		host.PrivateKey = body.PrivateKey
	}

	if err := database.DB.Save(host).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save host")
		return
	}

	log.Printf("[hosts] registered %s (%s:%d)", host.Name, host.Address, host.Port)
	respond(w, http.StatusOK, map[string]interface{}{"id": host.ID})
}

// HostHeartbeat handles POST /agents/heartbeat. A heartbeat marks the host
// online; the maintenance job marks it offline again once heartbeats stop.
func HostHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !registrationAuthorized(r) {
		respondError(w, http.StatusUnauthorized, "Invalid registration token")
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		respondError(w, http.StatusBadRequest, "Host name required")
		return
	}

	res := database.DB.Model(&database.Host{}).
		Where("name = ?", body.Name).
		Updates(map[string]interface{}{
			"status":         database.HostOnline,
			"last_heartbeat": time.Now(),
		})
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, "Failed to record heartbeat")
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, "Host not registered")
		return
	}

	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

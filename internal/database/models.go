package database

import "time"

// Host statuses as reported by agent heartbeats. A host with no recent
// heartbeat is marked offline by the maintenance job; hosts registered but
// never seen stay unknown.
const (
	HostOnline  = "online"
	HostOffline = "offline"
	HostUnknown = "unknown"
)

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:operator" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Host struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string `gorm:"uniqueIndex;not null;size:200" json:"name"`
	DisplayName string `json:"display_name"`
	Address     string `gorm:"not null;size:255" json:"address"`
	Port        int    `gorm:"not null;default:22" json:"port"`
	Status      string `gorm:"not null;default:unknown" json:"status"`
	Shell       string `gorm:"default:''" json:"-"`
	// PrivateKey is the PEM-encoded key the relay uses to authenticate
	// to the host's sshd. Never serialized.
	PrivateKey    string    `gorm:"type:text" json:"-"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HostGrant permits one user to open sessions on one host as one remote
// login identity. The access policy resolver reads these rows; nothing else
// interprets them.
type HostGrant struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_user_host_cu" json:"user_id"`
	HostID      uint      `gorm:"not null;uniqueIndex:idx_user_host_cu" json:"host_id"`
	ConnectUser string    `gorm:"not null;size:64;uniqueIndex:idx_user_host_cu" json:"connect_user"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type AuditLog struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"index" json:"user_id"`
	Username    string    `json:"username"`
	Action      string    `gorm:"not null;index" json:"action"`
	HostID      uint      `gorm:"index" json:"host_id"`
	ConnectUser string    `json:"connect_user"`
	SessionID   string    `gorm:"size:64;index" json:"session_id"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	Detail      string    `gorm:"type:text" json:"detail"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shellgate/shellgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	return nil
}

// Migrate applies the schema to the given gorm handle. Split out of Init so
// tests can run it against their own databases.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Host{}, &HostGrant{}, &AuditLog{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func DeleteUser(id uint) error {
	DB.Where("user_id = ?", id).Delete(&HostGrant{})
	return DB.Delete(&User{}, id).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Host helpers

func GetHostByID(id uint) (*Host, error) {
	var h Host
	if err := DB.First(&h, id).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func GetHostByName(name string) (*Host, error) {
	var h Host
	if err := DB.Where("name = ?", name).First(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func ListHosts() ([]Host, error) {
	var hosts []Host
	if err := DB.Order("name").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// MarkStaleHostsOffline flips hosts whose last heartbeat is older than the
// cutoff to offline. Hosts that never sent a heartbeat keep their status.
func MarkStaleHostsOffline(cutoff time.Time) (int64, error) {
	res := DB.Model(&Host{}).
		Where("status = ? AND last_heartbeat < ?", HostOnline, cutoff).
		Update("status", HostOffline)
	return res.RowsAffected, res.Error
}

// Grant helpers

func GetUserHostGrants(userID, hostID uint) ([]HostGrant, error) {
	var grants []HostGrant
	if err := DB.Where("user_id = ? AND host_id = ?", userID, hostID).
		Order("connect_user").Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func SetUserHostGrants(userID, hostID uint, connectUsers []string) error {
	DB.Where("user_id = ? AND host_id = ?", userID, hostID).Delete(&HostGrant{})
	for _, cu := range connectUsers {
		if err := DB.Create(&HostGrant{UserID: userID, HostID: hostID, ConnectUser: cu}).Error; err != nil {
			return err
		}
	}
	return nil
}

// Audit helpers

func RecordAudit(entry *AuditLog) error {
	return DB.Create(entry).Error
}

func ListAudit(limit, offset int) ([]AuditLog, error) {
	var logs []AuditLog
	if err := DB.Order("id DESC").Limit(limit).Offset(offset).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// PurgeAuditBefore deletes audit rows older than the cutoff.
func PurgeAuditBefore(cutoff time.Time) (int64, error) {
	res := DB.Where("created_at < ?", cutoff).Delete(&AuditLog{})
	return res.RowsAffected, res.Error
}

package tabsync

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Keys this core persists locally. They survive a restart and are cleared
// on logout; any key may be overwritten by a sibling tab at any time.
const (
	KeyLastLogin    = "lastLogin"
	KeyLastActivity = "lastActivity"
	KeySessionID    = "sessionId"
	KeyLogoutEvent  = "logoutEvent"
)

// LocalStorage is the localStorage analog: origin-scoped persisted keys
// shared by every tab of the origin.
type LocalStorage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// LocalEntry is one persisted key.
type LocalEntry struct {
	gorm.Model

	Origin string `json:"origin" gorm:"column:origin;uniqueIndex:idx_origin_key"`
	Key    string `json:"key" gorm:"column:key;uniqueIndex:idx_origin_key"`
	Value  string `json:"value" gorm:"column:value"`
}

// DBLocalStorage keeps the markers in a shared table so every agent of the
// origin sees the same values.
type DBLocalStorage struct {
	db     *gorm.DB
	origin string
}

func NewDBLocalStorage(dsn, origin string, dblog bool) (*DBLocalStorage, error) {
	loglevel := logger.Error
	if dblog {
		loglevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		return nil, err
	}
	db.AutoMigrate(new(LocalEntry))
	return &DBLocalStorage{db: db, origin: origin}, nil
}

func (s *DBLocalStorage) Get(key string) (string, error) {
	e := LocalEntry{}
	err := s.db.Where("origin = ? and key = ?", s.origin, key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

func (s *DBLocalStorage) Set(key, value string) error {
	e := LocalEntry{}
	err := s.db.Where("origin = ? and key = ?", s.origin, key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&LocalEntry{Origin: s.origin, Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&e).Update("value", value).Error
}

func (s *DBLocalStorage) Delete(key string) error {
	return s.db.Where("origin = ? and key = ?", s.origin, key).Delete(new(LocalEntry)).Error
}

// MemoryLocalStorage is the in-process LocalStorage; share one instance
// between tabs to model a shared origin.
type MemoryLocalStorage struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryLocalStorage() *MemoryLocalStorage {
	return &MemoryLocalStorage{m: map[string]string{}}
}

func (s *MemoryLocalStorage) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *MemoryLocalStorage) Set(key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryLocalStorage) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nzlov/tabsync"

	_ "net/http/pprof"
)

func main() {
	log, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(log)
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("./")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	err := viper.ReadInConfig()
	if err != nil {
		log.Sugar().Fatal("init config error:", err)
	}

	cfg := tabsync.Config{}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		log.Sugar().Fatal("init config unmarshal error:", err)
	}
	cfg.Normalize()

	go func() {
		http.ListenAndServe(cfg.PprofHost, nil)
	}()

	tabID := uuid.NewString()

	var electionBus, realtimeBus tabsync.Bus
	if cfg.Redis.Enable {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Host,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PoolSize:     10,
			PoolTimeout:  30 * time.Second,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Sugar().Fatal("redis err:", err.Error())
		}
		electionBus = tabsync.NewRedisBus(rdb, cfg.Origin, tabsync.ChannelTabSync, tabID)
		realtimeBus = tabsync.NewRedisBus(rdb, cfg.Origin, tabsync.ChannelRealtime, tabID)
	}

	store := tabsync.NewWSStore(cfg.Store, cfg.Origin, tabID)
	defer store.Close()

	vis := tabsync.NewVisibilityTracker(true)
	coord := tabsync.NewTabCoordinator(electionBus, vis, cfg.Tabs)
	coord.Start()
	defer coord.Close()

	gw := tabsync.NewSyncGateway(store, realtimeBus, coord, vis, cfg.Tabs)
	gw.Start()
	defer gw.Close()

	var local tabsync.LocalStorage
	if cfg.DB != "" {
		local, err = tabsync.NewDBLocalStorage(cfg.DB, cfg.Origin, cfg.DBLog)
		if err != nil {
			log.Sugar().Fatal("local storage:", err)
		}
	} else {
		local = tabsync.NewMemoryLocalStorage()
	}

	guard := tabsync.NewOnlineLimitGuard(gw, cfg.Session.MaxOnline)
	presence := tabsync.NewPresenceTracker(gw)
	manager := tabsync.NewSessionManager(gw, guard, presence, noopAuth{}, local, cfg.Session, cfg.Device)
	go func() {
		for e := range manager.Events() {
			log.Sugar().Info("session event:", e.Type, " ", e.Reason)
		}
	}()

	// SIGUSR1/SIGUSR2 stand in for the foreground/background signal.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for s := range sig {
			vis.Set(s == syscall.SIGUSR1)
		}
	}()

	m := http.NewServeMux()
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"origin":  cfg.Origin,
			"tab":     tabID,
			"visible": vis.Visible(),
			"master":  coord.IsMaster(),
		})
	})
	log.Sugar().Info("Start:", cfg.Host)
	err = http.ListenAndServe(cfg.Host, m)
	if err != nil {
		log.Sugar().Fatal("ListenAndServe: ", err)
	}
}

// noopAuth stands in until the console wires its real provider.
type noopAuth struct{}

func (noopAuth) SignIn(ctx context.Context, email, password string) (string, error) {
	return "", errors.New("sign-in not wired")
}
func (noopAuth) SignOut(ctx context.Context) error { return nil }

func (noopAuth) SendPasswordReset(ctx context.Context, email string) error { return nil }

func (noopAuth) OnAuthStateChanged(fn func(string)) func() { go fn(""); return func() {} }

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabEditor/internal/cache"
	"collabEditor/internal/collab"
	"collabEditor/internal/httpapi/handlers"
	"collabEditor/internal/httpapi/middleware"
	"collabEditor/internal/store"
	"collabEditor/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 cmd 目录启动
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl()
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	docs := store.NewDocumentStore(db)
	versions := store.NewVersionStore(db)
	locks := store.NewLockStore(db)
	presence := cache.NewRedisPresence(rdb)

	hub := ws.NewHub()
	// 僵尸会话驱逐：3 个心跳间隔没动静就关连接
	hub.StartJanitor(30*time.Second, 90*time.Second)

	manager := ws.NewManager(hub, ws.Deps{
		Docs:     docs,
		Versions: versions,
		Locks:    locks,
		Presence: presence,
		Events:   dispatcher,
	})
	handler := handlers.NewHandler(docs, versions, locks)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	group := r.Group("/collab")
	// WebSocket 升级端点：握手带不了 Authorization，token 由
	// 第一条 authenticate 消息在应用层声明
	group.GET("/ws", manager.WebSocketConnect)
	group.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	// REST 面：版本日志 / 手动存档 / 编辑锁
	api := group.Group("/documents")
	api.Use(middleware.AuthMiddleware())
	api.GET("/:docID", handler.GetDocument)
	api.GET("/:docID/versions", handler.ListVersions)
	api.GET("/:docID/versions/:n", handler.GetVersion)
	api.POST("/:docID/versions", handler.CreateManualVersion)
	api.GET("/:docID/locks", handler.ListLocks)

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}

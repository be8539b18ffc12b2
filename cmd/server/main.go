// Package main запускает сервис оценки концентрации по одноканальной ЭЭГ.
// Сервис реализует:
// - прием сырых отсчетов по HTTP и MQTT
// - стабилизацию потока в равномерный ряд
// - спектральный анализ окон, диапазоны мощности и оценку фокуса
// - монитор устойчиво низкой beta по испытуемым
// - хранение этапов в Redis и публикацию сводок в Kafka
// - экспорт метрик в Prometheus
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"neurofocus-service/internal/analytics"
	"neurofocus-service/internal/cache"
	"neurofocus-service/internal/handlers"
	"neurofocus-service/internal/ingest"
	"neurofocus-service/internal/metrics"
	"neurofocus-service/internal/persistence"
	"neurofocus-service/internal/publisher"
	"neurofocus-service/internal/session"
	"neurofocus-service/internal/stabilizer"
)

// Config содержит конфигурацию сервиса
type Config struct {
	ServerAddr    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	LogLevel      slog.Level
	LogFormat     string

	Stabilizer  stabilizer.Config
	Session     session.Config
	Persistence persistence.Config

	MQTT  ingest.Config
	Kafka publisher.Config
}

func main() {
	cfg := loadConfig()

	log := newLogger(cfg)
	slog.SetDefault(log)
	log.Info("service_starting", "go_version", runtime.Version(), "num_cpu", runtime.NumCPU())

	engine, err := analytics.NewEngine(analytics.DefaultParams())
	if err != nil {
		log.Error("engine_config_invalid", "error", err)
		os.Exit(1)
	}
	stab, err := stabilizer.New(cfg.Stabilizer)
	if err != nil {
		log.Error("stabilizer_config_invalid", "error", err)
		os.Exit(1)
	}
	monitor, err := persistence.NewMonitor(cfg.Persistence)
	if err != nil {
		log.Error("persistence_config_invalid", "error", err)
		os.Exit(1)
	}

	var opts []session.Option

	// Пробуем подключиться к Redis с повторами
	redisCache := connectRedis(cfg, log)
	var store handlers.StageStore
	if redisCache != nil {
		store = redisCache
		opts = append(opts, session.WithSink("redis", redisCache), session.WithLiveCache(redisCache))
	}

	var stagePublisher *publisher.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		stagePublisher, err = publisher.NewKafkaPublisher(cfg.Kafka, log)
		if err != nil {
			log.Error("kafka_config_invalid", "error", err)
			os.Exit(1)
		}
		opts = append(opts, session.WithSink("kafka", stagePublisher))
	} else {
		log.Info("kafka_disabled")
	}

	manager := session.NewManager(cfg.Session, engine, stab, monitor, log, opts...)

	var subscriber *ingest.Subscriber
	var mqttStatus handlers.Connectivity
	if cfg.MQTT.Broker != "" {
		subscriber, err = ingest.NewSubscriber(cfg.MQTT, manager, log)
		if err != nil {
			log.Error("mqtt_config_invalid", "error", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.MQTT.ConnectTimeout)
		if err := subscriber.Start(ctx); err != nil {
			// авто-переподключение paho работает только после первого успешного соединения
			log.Warn("mqtt_connect_failed", "broker", cfg.MQTT.Broker, "error", err)
		}
		cancel()
		mqttStatus = subscriber
	} else {
		log.Info("mqtt_disabled")
	}

	handler := handlers.NewHandler(manager, store, mqttStatus)

	router := mux.NewRouter()
	handler.Register(router)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	accessLog := ghandlers.CombinedLoggingHandler(os.Stdout, router)
	recovery := ghandlers.RecoveryHandler(
		ghandlers.RecoveryLogger(slog.NewLogLogger(log.Handler(), slog.LevelError)),
		ghandlers.PrintRecoveryStack(true),
	)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      recovery(accessLog),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	go updateMetricsLoop(metricsCtx, stab)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("server_listening", "addr", cfg.ServerAddr, "sampling_rate", cfg.Stabilizer.SamplingRate)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server_failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	log.Info("service_stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server_shutdown_failed", "error", err)
	}

	if subscriber != nil {
		subscriber.Close()
	}

	// Открытый этап сохраняется до закрытия приемников
	if records, err := manager.Stop(ctx); err == nil {
		log.Info("session_closed_on_shutdown", "stages", len(records))
	}

	stopMetrics()

	if stagePublisher != nil {
		if err := stagePublisher.Close(); err != nil {
			log.Error("kafka_close_failed", "error", err)
		}
	}
	if redisCache != nil {
		_ = redisCache.Close()
	}

	log.Info("service_stopped")
}

// newLogger JSON в stdout, LOG_FORMAT=console дает цветной вывод для локальной отладки
func newLogger(cfg Config) *slog.Logger {
	if cfg.LogFormat == "console" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel, TimeFormat: time.TimeOnly}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

func connectRedis(cfg Config, log *slog.Logger) *cache.RedisCache {
	if cfg.RedisAddr == "" || cfg.RedisAddr == "none" {
		log.Info("redis_disabled")
		return nil
	}

	var lastErr error
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err == nil {
			log.Info("redis_connected", "addr", cfg.RedisAddr)
			return c
		}
		lastErr = err
		log.Warn("redis_connect_attempt_failed", "attempt", i+1, "error", err)
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	log.Warn("redis_unavailable_running_without_store", "error", lastErr)
	return nil
}

// loadConfig загружает конфигурацию из переменных окружения
func loadConfig() Config {
	stab := stabilizer.DefaultConfig()
	stab.SamplingRate = getEnvInt("SAMPLING_RATE", stab.SamplingRate)
	stab.BufferCap = getEnvInt("BUFFER_CAP", stab.BufferCap)
	stab.RecentSize = getEnvInt("RECENT_SIZE", stab.RecentSize)

	sess := session.DefaultConfig()
	sess.AnalysisInterval = getEnvDuration("ANALYSIS_INTERVAL", sess.AnalysisInterval)
	sess.ExcludeInterpolated = getEnvBool("EXCLUDE_INTERPOLATED", sess.ExcludeInterpolated)

	pers := persistence.DefaultConfig()
	pers.Window = getEnvDuration("PERSISTENCE_WINDOW", pers.Window)
	pers.MinReadings = getEnvInt("PERSISTENCE_MIN_READINGS", pers.MinReadings)
	pers.LowBetaThreshold = getEnvFloat("LOW_BETA_THRESHOLD", pers.LowBetaThreshold)
	pers.AlertFraction = getEnvFloat("LOW_BETA_ALERT_FRACTION", pers.AlertFraction)

	return Config{
		ServerAddr:    getEnv("SERVER_ADDR", ":8080"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		LogLevel:      parseLevel(getEnv("LOG_LEVEL", "info")),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		Stabilizer:    stab,
		Session:       sess,
		Persistence:   pers,
		MQTT: ingest.Config{
			Broker:         getEnv("MQTT_BROKER", ""),
			Topic:          getEnv("MQTT_TOPIC", "neurofocus/eeg/raw"),
			ClientID:       getEnv("MQTT_CLIENT_ID", "neurofocus-service"),
			QoS:            byte(getEnvInt("MQTT_QOS", 0)),
			ConnectTimeout: getEnvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
		},
		Kafka: publisher.Config{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_STAGE_TOPIC", "neurofocus.stages"),
		},
	}
}

// getEnv получает переменную окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает целочисленную переменную окружения
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// updateMetricsLoop периодически обновляет метрики Prometheus
func updateMetricsLoop(ctx context.Context, stab *stabilizer.Stabilizer) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
			metrics.BufferPending.Set(float64(stab.Pending()))
		}
	}
}

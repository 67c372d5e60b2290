package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/onesix/marketplace-orders/internal/api"
	"github.com/onesix/marketplace-orders/internal/cart"
	"github.com/onesix/marketplace-orders/internal/directory"
	"github.com/onesix/marketplace-orders/internal/engine"
	"github.com/onesix/marketplace-orders/internal/events"
	"github.com/onesix/marketplace-orders/internal/offers"
	"github.com/onesix/marketplace-orders/internal/reviews"
	"github.com/onesix/marketplace-orders/internal/store"
	"github.com/onesix/marketplace-orders/internal/websocket"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "orderengine")
	dbPassword := getEnv("DB_PASSWORD", "orderengine")
	dbName := getEnv("DB_NAME", "marketplace")

	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")
	directoryURL := getEnv("DIRECTORY_URL", "http://localhost:8090")
	port := getEnv("ORDER_SERVICE_PORT", "8081")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost, dbPort, dbUser, dbPassword, dbName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		time.Sleep(2 * time.Second)
	}

	st, err := store.New(db, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize store")
	}

	producer, err := events.NewKafkaProducer(kafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	hub := websocket.NewHub(logger)
	go hub.Run()

	dir := directory.NewClient(directoryURL, logger)

	eng := engine.NewService(st, dir, producer, hub, logger)
	carts := cart.NewService(st, dir, logger)
	offerSvc := offers.NewService(st, eng, dir, producer, hub, logger)
	reviewSvc := reviews.NewService(st, producer, logger)

	handler := api.NewHandler(carts, eng, offerSvc, reviewSvc, hub, db, logger)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", port).Info("Starting order engine")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// notify-worker consumes notification requests published by the order
// engine and hands them to the delivery channel. The engine never waits on
// this: a request that cannot be delivered is logged and dropped.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/onesix/marketplace-orders/internal/events"
)

type logSender struct {
	logger *logrus.Logger
}

// HandleNotification stands in for the real mail transport; deployments
// swap the sink by pointing SMTP settings at the gateway of their choice.
func (s *logSender) HandleNotification(req events.NotificationRequest) error {
	s.logger.WithFields(logrus.Fields{
		"recipient": req.Recipient,
		"subject":   req.Subject,
	}).Info("Delivering notification")
	return nil
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	_ = godotenv.Load()

	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")
	groupID := getEnv("NOTIFY_GROUP_ID", "notify-worker")

	consumer, err := events.NewKafkaConsumer(kafkaBrokers, groupID, &logSender{logger: logger}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down notify worker...")
		cancel()
	}()

	logger.Info("Notify worker started")
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Consumer stopped with error")
	}
	logger.Info("Notify worker stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

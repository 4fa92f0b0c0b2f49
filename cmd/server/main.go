package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/notely/notely/internal/config"
	"github.com/notely/notely/internal/handlers"
	"github.com/notely/notely/internal/middleware"
	"github.com/notely/notely/internal/notify"
	"github.com/notely/notely/internal/repository"
	"github.com/notely/notely/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	challengeRepo, err := initChallengeStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize challenge store")
	}

	sender, err := initSender(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize notification sender")
	}

	otpService := service.NewOTPService(challengeRepo, sender, &cfg.OTP, logger)
	otpHandlers := handlers.NewOTPHandlers(otpService, &cfg.OTP, logger)

	router := setupRouter(otpHandlers, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initChallengeStore(cfg *config.Config, logger *logrus.Logger) (repository.ChallengeRepository, error) {
	switch cfg.OTP.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Redis challenge store initialized")
		return repository.NewRedisChallengeRepository(client, logger), nil

	case config.StoreDynamoDB:
		client, err := initDynamoDB(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("DynamoDB challenge store initialized")
		return repository.NewDynamoChallengeRepository(client, cfg.DynamoDB.TableName, logger), nil

	default:
		return nil, fmt.Errorf("unknown challenge store %q", cfg.OTP.Store)
	}
}

func initDynamoDB(cfg *config.Config) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO())
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg), nil
}

func initSender(cfg *config.Config, logger *logrus.Logger) (notify.Sender, error) {
	if cfg.SMTP.Mode == "console" {
		logger.Info("Email delivery running in console mode")
		return notify.NewConsoleSink(logger), nil
	}

	sink, err := notify.NewSMTPSink(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		AppName:  cfg.SMTP.AppName,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.WithField("host", cfg.SMTP.Host).Info("SMTP email delivery configured")
	return sink, nil
}

func setupRouter(otpHandlers *handlers.OTPHandlers, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/request-otp", otpHandlers.RequestOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/verify-otp", otpHandlers.VerifyOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/resend-otp", otpHandlers.ResendOTP).Methods("POST", "OPTIONS")

	return router
}

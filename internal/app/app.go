// Package app assembles the escrow service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pifp/escrow-backend/internal/auth"
	"pifp/escrow-backend/internal/config"
	"pifp/escrow-backend/internal/custody"
	"pifp/escrow-backend/internal/custody/stellar"
	"pifp/escrow-backend/internal/escrow"
	"pifp/escrow-backend/internal/escrow/scheduler"
	"pifp/escrow-backend/internal/events"
	"pifp/escrow-backend/internal/store"
	"pifp/escrow-backend/internal/store/gormstore"
)

// App holds the wired components of one escrow process
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Store   store.Store
	Custody custody.Custody
	Service *escrow.Service
	Issuer  *auth.Issuer
	Hub     *events.Hub

	closers []func() error
}

// New wires the store, custody backend, event sinks and service
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.Store = st

	a.Custody, err = a.newCustody()
	if err != nil {
		a.Close()
		return nil, err
	}

	sink, err := a.newSink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Issuer, err = auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = escrow.NewService(a.Store, a.Custody, logger, escrow.WithEvents(sink))
	return a, nil
}

func (a *App) openStore() (store.Store, error) {
	dbCfg := a.Config.Database
	if dbCfg.Driver == "" {
		a.Logger.Warn("No database driver configured, escrow state is kept in memory")
		return store.NewMemory(), nil
	}

	a.Logger.Info("Connecting to database", zap.String("driver", dbCfg.Driver))
	db, err := gormstore.Open(dbCfg.Driver, dbCfg.DSN, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	a.closers = append(a.closers, sqlDB.Close)
	if dbCfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dbCfg.MaxOpenConns)
	}
	if dbCfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dbCfg.MaxIdleConns)
	}
	if dbCfg.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(dbCfg.MaxLifetime)
	}

	s, err := gormstore.New(db)
	if err != nil {
		a.Close()
		return nil, err
	}
	return s, nil
}

func (a *App) newCustody() (custody.Custody, error) {
	switch strings.ToLower(a.Config.Custody.Mode) {
	case config.CustodyStellar:
		sc := a.Config.Stellar
		c, err := stellar.New(stellar.Config{
			HorizonURL:      sc.HorizonURL,
			Network:         sc.Network,
			EscrowSecretKey: sc.EscrowSecretKey,
			TxTimeout:       sc.TxTimeout,
			RequestTimeout:  sc.RequestTimeout,
		}, a.Logger.Named("stellar"))
		if err != nil {
			return nil, err
		}
		a.Logger.Info("Using Stellar custody", zap.String("escrow_account", c.Address()), zap.String("network", sc.Network))
		return c, nil
	case config.CustodyMemory, "":
		a.Logger.Warn("Using in-memory custody, donor payments are not verified",
			zap.String("escrow_account", a.Config.Custody.EscrowAccount))
		return custody.NewVault(a.Config.Custody.EscrowAccount, custody.WithUnlimitedDonors()), nil
	default:
		return nil, fmt.Errorf("unsupported custody mode %q", a.Config.Custody.Mode)
	}
}

func (a *App) newSink(ctx context.Context) (events.Sink, error) {
	sinks := []events.Sink{events.NewLogSink(a.Logger)}

	if a.Config.Events.Websocket {
		a.Hub = events.NewHub(a.Logger)
		a.closers = append(a.closers, func() error {
			a.Hub.Close()
			return nil
		})
		sinks = append(sinks, a.Hub)
	}

	ec := a.Config.Events
	if !ec.UsesAWS() {
		return events.Multi(sinks...), nil
	}

	awsCfg, err := loadAWSConfig(ctx, ec.AWS)
	if err != nil {
		return nil, err
	}
	if ec.SNSTopicARN != "" {
		sinks = append(sinks, events.NewSNSSink(sns.NewFromConfig(awsCfg), ec.SNSTopicARN, a.Logger))
		a.Logger.Info("Publishing events to SNS", zap.String("topic_arn", ec.SNSTopicARN))
	}
	if ec.ArchiveBucket != "" {
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = ec.AWS.Endpoint != ""
		})
		sinks = append(sinks, events.NewS3Archive(client, ec.ArchiveBucket, ec.ArchivePrefix, a.Logger))
		a.Logger.Info("Archiving events to S3", zap.String("bucket", ec.ArchiveBucket))
	}
	return events.Multi(sinks...), nil
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")))
	}
	if c.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(c.Endpoint))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// Scheduler builds the periodic expiry sweep over the service
func (a *App) Scheduler() (*scheduler.ExpiryScheduler, error) {
	return scheduler.NewExpiryScheduler(a.Service, a.Logger.Named("scheduler"), scheduler.Config{
		Spec:    a.Config.Scheduler.Spec,
		Timeout: a.Config.Scheduler.Timeout,
	})
}

// Router builds the HTTP API
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.Logger))

	// CORS Middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})

	auth.RegisterRoutes(router, auth.NewHandler(a.Issuer, a.Config.Auth.DevTokens))

	var opts []escrow.HandlerOption
	if admin := a.Config.Auth.BootstrapAdmin; admin != "" {
		opts = append(opts, escrow.WithBootstrapAdmin(admin))
	} else {
		a.Logger.Warn("No bootstrap admin configured, any authenticated caller may initialize the escrow")
	}

	api := router.Group("/api/v1")
	api.Use(auth.Middleware(a.Issuer))
	{
		escrow.NewHandler(a.Service, a.Hub, a.Logger.Named("http"), opts...).RegisterRoutes(api)
	}
	return router
}

// Server returns an http.Server for the configured address
func (a *App) Server() *http.Server {
	sc := a.Config.Server
	return &http.Server{
		Addr:         sc.GetServerAddr(),
		Handler:      a.Router(),
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}
}

// Close releases connections in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

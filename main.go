package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/activitypub"
	"github.com/deemkeen/ferri/db"
	"github.com/deemkeen/ferri/domain"
	"github.com/deemkeen/ferri/util"
	"github.com/deemkeen/ferri/web"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	config      string
	initUser    bool
	username    string
	displayName string
	follow      []string
	post        string
}

func main() {
	var opts options
	pflag.StringVarP(&opts.config, "config", "c", "", "path to config.yaml")
	pflag.BoolVar(&opts.initUser, "init", false, "create the local user named by --username and exit")
	pflag.StringVarP(&opts.username, "username", "u", "", "local user to act as")
	pflag.StringVar(&opts.displayName, "display-name", "", "display name used by --init")
	pflag.StringSliceVar(&opts.follow, "follow", nil, "actor URIs for --username to follow, then exit")
	pflag.StringVar(&opts.post, "post", "", "publish a status as --username, then exit")
	pflag.Parse()

	conf, err := util.ReadConf(opts.config)
	if err != nil {
		log.Fatal("Failed to load configuration", "err", err)
	}
	logger := util.SetupLogging(conf.Conf.LogLevel)
	logger.Info("Starting", "version", util.GetNameAndVersion())
	logger.Debug("Configuration:\n" + util.PrettyPrint(conf))
	if logger.GetLevel() > log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, opts, logger); err != nil {
		logger.Error("Exiting", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *util.AppConfig, opts options, logger *log.Logger) error {
	database, err := db.Open(ctx, util.ResolveFilePath(conf.Conf.Database))
	if err != nil {
		return err
	}
	defer database.Close()

	if opts.initUser {
		user, created, err := bootstrapUser(ctx, database, conf.Conf.Domain, opts.username, opts.displayName)
		if err != nil {
			return err
		}
		if created {
			logger.Info("Created local user", "username", user.Username, "actor", user.Actor.Id)
		} else {
			logger.Info("Local user already exists", "username", user.Username, "actor", user.Actor.Id)
		}
		return nil
	}

	key, err := util.LoadOrCreatePrivateKey(util.ResolveFilePath(conf.Conf.PrivateKey))
	if err != nil {
		return err
	}
	publicKeyPEM, err := util.PublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	signer := activitypub.NewSigner(key)

	// The outbound worker keeps one connection for its whole life.
	outbox, err := database.Acquire(ctx)
	if err != nil {
		return err
	}
	defer outbox.Release()

	engine := activitypub.NewEngine(engineConfig(conf, database.Counts), signer, acquirer(database), outbox, logger)
	engine.Start(ctx)

	var local *domain.User
	if opts.username != "" {
		if local, err = database.UserByUsername(ctx, opts.username); err != nil {
			stopEngine(engine, logger)
			return fmt.Errorf("local user %s: %w (run --init first)", opts.username, err)
		}
	}

	oneShot := len(opts.follow) > 0 || opts.post != ""
	if oneShot {
		err := runCommands(ctx, conf, opts, local, signer, database, engine, logger)
		stopEngine(engine, logger)
		return err
	}

	if len(conf.Conf.AutoFollow) > 0 {
		if local == nil {
			logger.Warn("autoFollow is set but no --username was given, skipping")
		} else {
			follow(ctx, conf, conf.Conf.AutoFollow, local, signer, database, engine, logger)
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           web.NewServer(conf, database, engine, publicKeyPEM, logger).Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", server.Addr, "domain", conf.Conf.Domain)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "err", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("Federation engine shutdown failed", "err", err)
	}
	return err
}

// runCommands handles --follow and --post. The engine is drained by the
// caller, so failed deliveries stay in the retry queue for the server.
func runCommands(ctx context.Context, conf *util.AppConfig, opts options, local *domain.User, signer *activitypub.Signer, database *db.DB, engine *activitypub.Engine, logger *log.Logger) error {
	if local == nil {
		return errors.New("--follow and --post need --username")
	}
	if len(opts.follow) > 0 {
		follow(ctx, conf, opts.follow, local, signer, database, engine, logger)
	}
	if opts.post == "" {
		return nil
	}

	post := newLocalPost(conf.Conf.Domain, local, opts.post, time.Now())
	if _, err := database.NewPost(ctx, post); err != nil {
		return fmt.Errorf("failed to store post: %w", err)
	}
	req := &activitypub.OutboxStatus{Post: post, KeyID: local.KeyId}
	if err := engine.Outbound().Send(ctx, activitypub.Outbound{Request: req}); err != nil {
		return fmt.Errorf("failed to queue post: %w", err)
	}
	logger.Info("Queued status", "uri", post.URI)
	return nil
}

// follow resolves each actor and queues a Follow for it. One bad URI does
// not stop the rest.
func follow(ctx context.Context, conf *util.AppConfig, actors []string, local *domain.User, signer *activitypub.Signer, database *db.DB, engine *activitypub.Engine, logger *log.Logger) {
	client := activitypub.NewClient(signer, activitypub.WithTimeout(conf.Conf.HTTP.Timeout))
	resolver := activitypub.NewResolver(client, conf.Conf.Domain, logger)
	for _, uri := range actors {
		followed, err := resolver.ResolveActor(ctx, database, uri, local.KeyId)
		if err != nil {
			logger.Error("Could not resolve actor to follow", "actor", uri, "err", err)
			continue
		}
		req := &activitypub.OutboxFollow{Follower: local, Followed: followed}
		if err := engine.Outbound().Send(ctx, activitypub.Outbound{Request: req}); err != nil {
			logger.Error("Failed to queue follow", "actor", uri, "err", err)
			continue
		}
		logger.Info("Queued follow", "follower", local.Acct, "followed", followed.Acct)
	}
}

func stopEngine(engine *activitypub.Engine, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		logger.Error("Federation engine shutdown failed", "err", err)
	}
}

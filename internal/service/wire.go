package service

import (
	"context"
	"fmt"
	"time"

	"lifeline/internal/broadcast"
	"lifeline/internal/cipher"
	"lifeline/internal/conflict"
	"lifeline/internal/constants"
	"lifeline/internal/database"
	"lifeline/internal/delivery"
	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/keystore"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/push"
	"lifeline/internal/queue"
	"lifeline/internal/remote"
	syncer "lifeline/internal/sync"
	"lifeline/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// Open builds an Engine from cfg. A nil store is created from cfg.Remote and
// closed with the engine; a given store stays owned by the caller.
func Open(ctx context.Context, cfg *models.Config, logger *logrus.Logger, store remote.Store) (*Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{cfg: cfg, logger: logger, now: time.Now}

	fail := func(err error) (*Engine, error) {
		_ = e.Close()
		return nil, err
	}

	db, err := database.New(cfg.Database.Path, cfg.Keystore.Secret)
	if err != nil {
		return fail(errors.NewDatabaseError("open", err))
	}
	e.db = db
	e.closers = append(e.closers, db.Close)

	keys, err := keystore.Open(cfg.Keystore.Path, cfg.Keystore.Secret)
	if err != nil {
		return fail(errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to open keystore"))
	}
	e.keys = keys
	e.closers = append(e.closers, keys.Close)

	if store == nil {
		switch cfg.Remote.Driver {
		case "postgres":
			pg, err := remote.NewPostgres(ctx, cfg.Remote.DSN)
			if err != nil {
				return fail(errors.NewUnavailableError("remote store", err))
			}
			store = pg
		case "", "memory":
			store = remote.NewMemory()
		default:
			return fail(errors.NewConfigError("remote.driver", fmt.Sprintf("unknown remote driver %q", cfg.Remote.Driver)))
		}
		e.closers = append(e.closers, store.Close)
	}
	e.remote = store

	e.hub = events.NewHub(constants.DefaultEventBufferSize, logger)
	e.closers = append(e.closers, func() error {
		e.hub.Close()
		return nil
	})

	breaker := circuitbreaker.New("remote", circuitbreaker.Config{
		MaxFailures:   constants.DefaultCircuitBreakerMaxFailures,
		Timeout:       time.Duration(constants.DefaultCircuitBreakerTimeoutSec) * time.Second,
		HalfOpenCalls: constants.DefaultCircuitBreakerHalfOpenCalls,
		Counts:        errors.IsRetryable,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.SetGauge("circuit_breaker_open", boolGauge(to == circuitbreaker.StateOpen),
				map[string]string{"backend": name}, "Whether the circuit of a backend is open")
		},
	}, logger)

	e.cipher = cipher.NewManager(keys, cipher.NewCachingDirectory(store, keys, logger), cipher.Options{
		AccountID:            cfg.Account.AccountID,
		CoordinatorAccountID: cfg.Keystore.CoordinatorAccountID,
		RetireAfter:          time.Duration(cfg.Keystore.RetireAfterHours) * time.Hour,
		AnonymousTimeBucket:  time.Duration(constants.DefaultAnonymousTimeBucket) * time.Second,
		Logger:               logger,
	})

	e.queue = queue.New(db, queue.ConfigFromModel(cfg.Queue), logger)
	e.worker = queue.NewWorker(e.queue, time.Duration(cfg.Queue.PollIntervalSec)*time.Second, logger)
	machine := delivery.NewMachine(cfg.Queue.MaxAttempts)
	e.tracker = delivery.NewTracker(db, machine, e.hub, logger)
	e.reconciler = conflict.NewReconciler(conflict.NewResolver(), db, e.hub, cfg.Account.AccountID, cfg.Account.DeviceID, logger)
	e.sessions = NewSessionManager(db, cfg.Account, e.hub, logger)

	e.coordinator = syncer.NewCoordinator(syncer.Deps{
		Local:      db,
		Remote:     store,
		Queue:      e.queue,
		Worker:     e.worker,
		Tracker:    e.tracker,
		Reconciler: e.reconciler,
		Breaker:    breaker,
		Session:    e.sessions,
		Publisher:  e.hub,
		Logger:     logger,
	}, syncer.OptionsFromModel(cfg.Sync))

	transports, err := e.openTransports(cfg, logger)
	if err != nil {
		return fail(err)
	}

	var directory broadcast.Directory = broadcast.NewMemberDirectory(nil)
	if cfg.Broadcast.DirectoryPath != "" {
		loaded, err := broadcast.LoadDirectory(cfg.Broadcast.DirectoryPath)
		if err != nil {
			return fail(err)
		}
		directory = loaded
	}

	e.broadcasts = broadcast.NewEngine(broadcast.Deps{
		Store:      db,
		Directory:  directory,
		Transports: transports,
		Queue:      e.queue,
		Worker:     e.worker,
		Machine:    machine,
		Sealer:     &alertSealer{cipher: e.cipher, now: time.Now},
		Publisher:  e.hub,
		Logger:     logger,
	}, broadcast.OptionsFromModel(cfg.Broadcast))

	housekeeping := time.Duration(min(cfg.Server.RetentionCheckIntervalMin, cfg.Session.ReapIntervalMin)) * time.Minute
	e.scheduler = NewScheduler(db, e.cipher, e.sessions, RetentionFromConfig(cfg), housekeeping, logger)
	e.monitor = NewDeliveryMonitor(db, e.broadcasts,
		time.Duration(cfg.Server.DeliveryMonitorIntervalMin)*time.Minute,
		time.Duration(cfg.Server.StaleDeliveryAfterMin)*time.Minute,
		logger)
	e.conn = NewConnectivity(true)

	return e, nil
}

// openTransports creates one transport per configured broadcast channel.
// Push and SMS share one broker connection.
func (e *Engine) openTransports(cfg *models.Config, logger *logrus.Logger) (*push.Set, error) {
	var (
		publisher  push.Publisher
		transports []push.Transport
	)
	for _, ch := range cfg.Broadcast.Channels {
		switch ch {
		case models.ChannelInApp:
			transports = append(transports, push.NewInApp(e.hub))
		case models.ChannelPush, models.ChannelSMS:
			if publisher == nil {
				publisher = push.NewPublisher(cfg.Push.AMQPURL, cfg.Push.Exchange, logger)
				e.closers = append(e.closers, publisher.Close)
				logger.WithField("mode", push.PublisherMode(publisher)).Info("Push publisher ready")
			}
			transports = append(transports, push.NewBrokerTransport(ch, publisher, nil, logger))
		default:
			return nil, errors.NewConfigError("broadcast.channels", fmt.Sprintf("unknown channel %q", ch))
		}
	}
	return push.NewSet(transports...), nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Package app wires the checkout service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iliamunaev/marketplace-checkout/internal/billing"
	"github.com/iliamunaev/marketplace-checkout/internal/cart"
	"github.com/iliamunaev/marketplace-checkout/internal/catalog"
	"github.com/iliamunaev/marketplace-checkout/internal/checkout"
	"github.com/iliamunaev/marketplace-checkout/internal/config"
	"github.com/iliamunaev/marketplace-checkout/internal/metrics"
	"github.com/iliamunaev/marketplace-checkout/internal/notify"
	"github.com/iliamunaev/marketplace-checkout/internal/order"
	"github.com/iliamunaev/marketplace-checkout/internal/order/pgstore"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
	"github.com/iliamunaev/marketplace-checkout/internal/payment/fakegw"
	"github.com/iliamunaev/marketplace-checkout/internal/payment/stripegw"
	"github.com/iliamunaev/marketplace-checkout/internal/pool"
	"github.com/iliamunaev/marketplace-checkout/internal/reconcile"
	httptransport "github.com/iliamunaev/marketplace-checkout/internal/transport/http"
)

// devWebhookSecret signs fake gateway events when no secret is configured.
const devWebhookSecret = "whsec_dev"

const shutdownTimeout = 10 * time.Second

type gateway interface {
	payment.Gateway
	payment.Verifier
}

type stores struct {
	ledger    order.Ledger
	customers billing.Store
	inbox     reconcile.Inbox
	outbox    notify.Outbox
}

// App is the assembled service.
type App struct {
	cfg     config.Config
	log     zerolog.Logger
	handler http.Handler
	relay   *notify.Relay
	closers []func() error
}

// New builds the service. With database.url set, orders, billing
// customers, the event inbox and the outbox live in PostgreSQL; otherwise
// they are kept in memory.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	cat, err := loadCatalog(cfg.Catalog.File)
	if err != nil {
		a.Close()
		return nil, err
	}

	pub, err := a.publisher()
	if err != nil {
		a.Close()
		return nil, err
	}

	gw := newGateway(cfg)
	limited := pool.LimitGateway(gw, cfg.Gateway.MaxConcurrency)
	reg := metrics.New()
	carts := cart.NewMemory()

	orch := checkout.New(checkout.Config{
		Currency:          cfg.Checkout.Currency,
		AllowedCurrencies: cfg.Checkout.AllowedCurrencies,
		MinAmount:         cfg.Checkout.MinAmount,
		MaxAmount:         cfg.Checkout.MaxAmount,
		GatewayTimeout:    cfg.Gateway.Timeout,
	}, checkout.Deps{
		Carts:     carts,
		Catalog:   cat,
		Ledger:    st.ledger,
		Gateway:   limited,
		Customers: billing.NewDirectory(st.customers, limited, cfg.Gateway.Timeout, log),
		Metrics:   reg.Domain,
		Log:       log.With().Str("component", "checkout").Logger(),
	})

	rec := reconcile.New(
		st.ledger,
		st.inbox,
		notify.NewFulfillments(cfg.Kafka.Topic),
		reg.Domain,
		log.With().Str("component", "reconcile").Logger(),
	)

	a.relay = notify.NewRelay(st.outbox, pub, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, reg.Domain, log)

	a.handler = httptransport.New(httptransport.Deps{
		Checkout:       orch,
		Reconciler:     rec,
		Verifier:       gw,
		Carts:          carts,
		Catalog:        cat,
		Orders:         st.ledger,
		Metrics:        reg.Handler(),
		Server:         reg.Server,
		Log:            log,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Currency:       cfg.Checkout.Currency,
	}).Routes()

	log.Info().
		Str("gateway", cfg.Gateway.Provider).
		Bool("postgres", cfg.Database.URL != "").
		Bool("kafka", cfg.Kafka.Brokers != "").
		Msg("app ready")
	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.Database.URL == "" {
		outbox := notify.NewMemoryOutbox()
		return stores{
			ledger:    order.NewMemory().WithEffects(outbox),
			customers: billing.NewMemory(),
			inbox:     reconcile.NewMemoryInbox(),
			outbox:    outbox,
		}, nil
	}

	db, err := pgstore.Open(ctx, a.cfg.Database.URL)
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})
	return stores{
		ledger:    pgstore.NewLedger(db),
		customers: pgstore.NewCustomers(db),
		inbox:     pgstore.NewInbox(db),
		outbox:    pgstore.NewOutbox(db),
	}, nil
}

func (a *App) publisher() (notify.Publisher, error) {
	brokers := notify.ParseBrokers(a.cfg.Kafka.Brokers)
	if len(brokers) == 0 {
		return notify.NewLogPublisher(a.log), nil
	}
	p, err := notify.NewKafkaPublisher(brokers)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

func loadCatalog(path string) (*catalog.Static, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	c, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return c, nil
}

func newGateway(cfg config.Config) gateway {
	if cfg.Gateway.Provider == config.ProviderStripe {
		return stripegw.New(stripegw.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Require3DS:    cfg.Stripe.Require3DS,
			HTTPTimeout:   cfg.Gateway.Timeout,
		})
	}
	secret := cfg.Stripe.WebhookSecret
	if secret == "" {
		secret = devWebhookSecret
	}
	return fakegw.New(secret)
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run listens on http.addr and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and the outbox relay. When ctx is done
// the server drains in-flight requests before Serve returns.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      a.cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.relay.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the database pool and the Kafka writer.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// README: Entry point; loads config, wires the dispatch engine and serves HTTP and websockets.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ridedispatch/internal/config"
	httptransport "ridedispatch/internal/http"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/maps"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/modules/search"
	"ridedispatch/internal/modules/temprides"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/weather"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := infra.NewLogger("dispatch-api", cfg.LogLevel, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal().Msg("DISPATCH_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("firebase init")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		log.Fatal().Err(err).Msg("firebase auth")
	}
	pusher, err := notify.NewPusher(ctx, app, log)
	if err != nil {
		log.Warn().Err(err).Msg("fcm disabled")
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres")
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	var broadcaster dispatch.Broadcaster = dispatch.NewRedisBroadcaster(redisClient, cfg.Mailbox.Channel)
	if cfg.Broadcast == "amqp" {
		mq, err := infra.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq")
		}
		defer mq.Close()
		broadcaster = dispatch.NewAMQPBroadcaster(mq.Channel, cfg.AMQP.Exchange)
	}

	routes, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.Region)
	if err != nil {
		log.Fatal().Err(err).Msg("maps routes")
	}
	places, err := maps.NewGeocodeService(cfg.Maps.APIKey, cfg.Maps.Region)
	if err != nil {
		log.Fatal().Err(err).Msg("maps geocode")
	}
	tolls := maps.NewTollService(cfg.Maps.APIKey)
	weatherClient := weather.NewClient(cfg.Weather.APIKey, cfg.Weather.BaseURL)

	pricingStore := pricing.NewStore(dbPool)
	pricingSvc := pricing.NewService(routes, weatherClient, tolls, pricingStore, pricing.NewRedisCache(redisClient), cfg.Pricing, log)

	driverStore := driver.NewStore(dbPool)
	driverSvc := driver.NewService(driverStore, log)
	ledgerStore := ledger.NewStore(dbPool)
	rideStore := ride.NewStore(dbPool)

	var primary temprides.Store
	if cfg.Firebase.DatabaseURL != "" {
		rtdb, err := app.Database(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("firebase rtdb")
		}
		primary = temprides.NewRTDBStore(rtdb)
	}
	projection := temprides.NewService(primary, temprides.NewPGStore(dbPool), log)

	hub := realtime.NewHub(log)
	mailbox := dispatch.NewMailbox(redisClient, cfg.Mailbox, log)
	dispatcher := dispatch.NewService(hub, ledgerStore, mailbox, broadcaster, pusher, cfg.Mailbox.TTL, log)
	poller := dispatch.NewPoller(mailbox, rideStore, driverStore, cfg.Poll, log)

	controller := search.NewController(rideStore, driverSvc, pricingSvc, dispatcher, ledgerStore, hub, cfg.Search, log)
	defer controller.Close()

	rideSvc := ride.NewService(ride.Deps{
		Rides:      rideStore,
		Drivers:    driverStore,
		Ledger:     ledgerStore,
		Offers:     dispatcher,
		Matcher:    controller,
		Sessions:   hub,
		Projection: projection,
		Pusher:     pusher,
		ETA:        routes,
		Places:     places,
	}, cfg.Search, cfg.Pricing, log)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier: verifier,
		Rides:    rideSvc,
		Drivers:  driverSvc,
		Poller:   poller,
		Pricing:  pricingSvc,
		Hub:      hub,
		Config:   cfg.Pricing,
		Log:      log,
	})

	if err := httptransport.NewServer(cfg.HTTP.Addr, router, log).Run(ctx); err != nil {
		log.Error().Err(err).Msg("http server")
	}
}

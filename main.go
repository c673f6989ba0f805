package main

import (
	"context"
	"log"
	"time"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	auth := NewTokenAuthenticator(cfg.JWTSecret, time.Duration(cfg.TokenExpiryHours)*time.Hour)
	hub := NewHub(cfg.SessionSendBuffer)

	var relay *Relay
	bus := NewBusClient(cfg, func(topic string, payload []byte) {
		relay.EnqueueBusMessage(topic, payload)
	})
	relay = NewRelay(cfg, db, auth, bus, hub)

	hub.OnConnect = relay.EnqueueSessionConnected
	hub.OnRequest = relay.EnqueueClientRequest

	ctx := context.Background()
	go hub.Run(ctx)
	go relay.Run(ctx)

	StartHealthWatchdog(cfg, relay)

	bus.Connect()
	defer bus.Disconnect()

	srv := NewHTTPServer(cfg, auth, hub)
	log.Printf("Starting smart trashcan relay on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}

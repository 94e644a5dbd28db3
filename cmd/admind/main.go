package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mylb/messaging/internal/directory"
	"github.com/mylb/messaging/internal/history"
	"github.com/mylb/messaging/internal/session"
	"github.com/mylb/messaging/internal/thread"
	"github.com/mylb/messaging/internal/transport"
)

func main() {
	listenAddr := "127.0.0.1:8082"
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		listenAddr = addr
	}

	adminID := int64(1)
	if v := os.Getenv("ADMIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			adminID = n
		}
	}

	historyURL := "http://localhost:8081"
	if v := os.Getenv("HISTORY_URL"); v != "" {
		historyURL = v
	}

	directoryTTL := directory.DefaultCacheTTL
	if v := os.Getenv("DIRECTORY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			directoryTTL = d
		}
	}

	// --- NATS ---
	brokerConfig := transport.DefaultConfig()
	brokerConfig.Name = "mylb-admind"
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		brokerConfig.URL = natsURL
	}
	broker := transport.NewBroker(brokerConfig)

	historyClient := history.NewClient(historyURL)
	dirClient := directory.NewClient(historyURL, directoryTTL)

	sess := session.New(adminID, broker,
		thread.NewCache(historyClient), dirClient, historyClient)

	broker.OnStateChange(sess.HandleTransportState)

	if err := broker.Connect(); err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	if err := broker.SubscribeAdminInbox(adminID, sess.HandleInbound); err != nil {
		log.Fatalf("failed to subscribe to admin inbox: %v", err)
	}
	if err := broker.SubscribeUserStatus(sess.HandlePresence); err != nil {
		log.Fatalf("failed to subscribe to user status: %v", err)
	}

	// Seed the conversation list from persisted history.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sess.Bootstrap(bootCtx, historyClient)
	bootCancel()

	mux := http.NewServeMux()
	session.NewHTTPServer(sess, broker).Routes(mux)

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("MyLB admind starting")
	log.Printf("  listen_addr: %s", listenAddr)
	log.Printf("  admin_id:    %d", adminID)
	log.Printf("  nats_url:    %s", brokerConfig.URL)
	log.Printf("  history_url: %s", historyURL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		broker.Close()
		os.Exit(0)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

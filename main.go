package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lancanvas/handlers"
	"lancanvas/internal/discovery"
	"lancanvas/middleware"
	"lancanvas/services"
	"lancanvas/utils"

	_ "net/http/pprof"
)

var (
	registry      *services.IdentityRegistry
	itemStore     *services.ItemStore
	presence      *services.PresenceTracker
	bookmarkStore *services.BookmarkStore
	uploadStore   *services.UploadStore
	stateFile     *services.StateFile
	hub           *services.CanvasHub
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	middleware.InitPrometheus()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	port := getenv("PORT", "3000")
	uploadsDir := getenv("UPLOADS_DIR", "./uploads")
	statePath := getenv("STATE_FILE", "./canvas_state.json")

	maxUploadMB, err := strconv.ParseInt(getenv("MAX_UPLOAD_MB", "50"), 10, 64)
	if err != nil || maxUploadMB <= 0 {
		log.Fatal("MAX_UPLOAD_MB must be a positive integer")
	}

	uploadStore, err = services.NewUploadStore(uploadsDir)
	if err != nil {
		log.Fatal("Failed to prepare uploads directory:", err)
	}

	stateFile = services.NewStateFile(statePath)
	registry = services.NewIdentityRegistry()
	itemStore = services.NewItemStore()
	presence = services.NewPresenceTracker()
	bookmarkStore = services.NewBookmarkStore()

	itemStore.ReplaceAll(stateFile.Load())

	hub = services.NewCanvasHub(registry, itemStore, presence, bookmarkStore, uploadStore, stateFile)
	go hub.Run()

	host := utils.LocalIP()
	baseURL := fmt.Sprintf("http://%s:%s", host, port)

	// Initialize handlers
	canvasHandler := handlers.NewCanvasHandler(hub)
	uploadHandler := handlers.NewUploadHandler(uploadStore, maxUploadMB*1024*1024)
	qrcodeHandler := handlers.NewQRCodeHandler(baseURL)

	r := mux.NewRouter()

	r.HandleFunc("/ws", canvasHandler.JoinCanvas)

	standardRouter := r.PathPrefix("/").Subrouter()

	go middleware.CleanupVisitors()

	standardRouter.Use(middleware.RateLimitMiddleware)
	standardRouter.Use(middleware.MonitorMiddleware)

	standardRouter.Handle("/metrics", promhttp.Handler())
	standardRouter.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	standardRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "lancanvas"}`))
	}).Methods("GET")

	standardRouter.HandleFunc("/upload", uploadHandler.Upload).Methods("POST")
	standardRouter.HandleFunc("/qrcode", qrcodeHandler.GetQRCode).Methods("GET")

	uploadsFS := http.FileServer(http.Dir(uploadStore.Dir()))
	standardRouter.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", uploadsFS))

	publicDir := getenv("PUBLIC_DIR", "./public")
	standardRouter.PathPrefix("/").Handler(http.FileServer(http.Dir(publicDir)))
	log.Printf("Serving static files from %s at /", publicDir)

	cors := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type"}),
	)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: cors(r),
	}

	if os.Getenv("DISABLE_MDNS") == "" {
		if portNum, convErr := strconv.Atoi(port); convErr == nil {
			mdnsServer, mdnsErr := discovery.Advertise(portNum)
			if mdnsErr != nil {
				log.Printf("Warning: mDNS advertisement failed: %v", mdnsErr)
			} else {
				defer mdnsServer.Shutdown()
				log.Println("Advertising canvas server over mDNS")
			}
		}
	}

	go func() {
		log.Printf("Server running at %s", baseURL)
		log.Printf("Point browser or scan QR code at: %s/qrcode", baseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-quit
	log.Printf("Received %s. Saving state before exiting...", sig)

	// A failed save must not prevent shutdown; it is logged inside Save.
	stateFile.Save(itemStore.Snapshot())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown timed out: %v", err)
	}
	log.Println("HTTP server closed.")
}

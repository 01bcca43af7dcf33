package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/appstax/appstax-go/internal/simsrv"
)

func main() {
	port := os.Getenv("SIM_PORT")
	if port == "" {
		port = "8080"
	}
	appKey := os.Getenv("SIM_APP_KEY")
	if appKey == "" {
		appKey = "dev-app-key"
	}
	secret := os.Getenv("SIM_SESSION_SECRET")
	if secret == "" {
		secret = "dev-session-secret"
	}
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	}

	router := simsrv.NewRouter(simsrv.Deps{
		Store:         simsrv.NewStore(),
		Hub:           simsrv.NewRealtimeHub(),
		AppKey:        appKey,
		SessionSecret: secret,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("appstax-sim listening on :%s (app key %q)", port, appKey)
	log.Fatal(srv.ListenAndServe())
}

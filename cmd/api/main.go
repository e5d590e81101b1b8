// Command api serves the read-only search and library-listing HTTP
// surface: database connect, repository wiring, router construction,
// and http.ListenAndServe over three endpoints — no upload pipeline, no
// auth, no album/tag CRUD.
package main

import (
	"context"
	"log"
	"net/http"

	"mediaindex/config"
	"mediaindex/internal/api"
	"mediaindex/internal/db"
	"mediaindex/internal/mediastore"
	"mediaindex/internal/repository"
	"mediaindex/internal/search"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("api: load config: %v", err)
	}

	ctx := context.Background()

	log.Println("api: running database migrations...")
	if err := db.AutoMigrate(ctx, cfg.DB); err != nil {
		log.Fatalf("api: run database migrations: %v", err)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("api: connect database: %v", err)
	}
	defer database.Close()

	assets := repository.NewAssetRepository(database.Pool)
	libraries := repository.NewLibraryRepository(database.Pool)
	searchRepo := repository.NewSearchRepository(database.Pool)
	store := mediastore.New(cfg.DataDir)

	searchSvc := search.NewService(searchRepo, libraries, assets)
	handler := api.NewHandler(searchSvc, assets, libraries, store)
	router := api.NewRouter(handler, cfg.DataDir)

	log.Printf("api server listening on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, router); err != nil {
		log.Fatalf("api: server stopped: %v", err)
	}
}

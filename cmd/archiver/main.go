package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"llamabot/archive/internal/apitoken"
	"llamabot/archive/internal/archive"
	"llamabot/archive/internal/config"
	"llamabot/archive/internal/dictionary"
	"llamabot/archive/internal/discordapi"
	"llamabot/archive/internal/embeddings"
	"llamabot/archive/internal/gitstore"
	"llamabot/archive/internal/mirror"
	"llamabot/archive/internal/postcache"
	"llamabot/archive/internal/search"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "token" {
		runTokenCommand(cfg, os.Args[2:])
		return
	}

	if err := os.MkdirAll(cfg.RepoDir, 0o755); err != nil {
		log.Fatalf("failed to create repo dir: %v", err)
	}

	gitService := gitstore.New(cfg.RepoDir, cfg.RemoteURL)

	stage := func(paths []string, message string) {
		gitService.Add(paths...)
		if err := gitService.Commit(message); err != nil {
			log.Printf("dictionary commit failed: %v", err)
			return
		}
		gitService.Push(ctx)
	}
	dict := dictionary.NewManager(cfg.DictionaryDir, stage)
	if err := dict.Init(); err != nil {
		log.Fatalf("dictionary init failed: %v", err)
	}
	servers := dictionary.NewServers(cfg.DictionaryDir, stage)

	var embedClient *embeddings.Client
	if strings.TrimSpace(cfg.EmbedServiceURL) != "" {
		embedClient = embeddings.NewClient(cfg.EmbedServiceURL)
	} else {
		log.Printf("no embedding service configured, nearest-neighbor lookups disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	} else {
		log.Printf("no Meilisearch configured, full-text search disabled")
	}
	searchService := search.NewService(meiliClient)

	var cache *postcache.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		cache, err = postcache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		log.Printf("using Redis for post lookup caching")
	}

	var snapshots *mirror.Snapshots
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		var err error
		snapshots, err = mirror.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		log.Printf("mirroring index snapshots to bucket %s", cfg.MinioBucket)
	}

	manager := archive.NewManager(archive.Options{
		FolderPath: cfg.RepoDir,
		Git:        gitService,
		Discord:    discordapi.Unavailable{},
		Dictionary: dict,
		Servers:    servers,
		Embeddings: embedClient,
		PostCache:  cache,
		Search:     searchService,
		Mirror:     snapshots,
	})
	if err := manager.Init(ctx); err != nil {
		log.Fatalf("archive init failed: %v", err)
	}

	runMaintenance := func() {
		start := time.Now()
		if _, err := manager.BuildPersistentIndexAndEmbeddings(ctx); err != nil {
			log.Printf("maintenance: index rebuild failed: %v", err)
		}
		if err := manager.ReindexSearch(ctx); err != nil {
			log.Printf("maintenance: search reindex failed: %v", err)
		}
		log.Printf("maintenance pass finished in %s", time.Since(start).Round(time.Millisecond))
	}

	log.Printf("archiver maintaining %s every %s", cfg.RepoDir, cfg.MaintenanceInterval)
	runMaintenance()

	ticker := time.NewTicker(cfg.MaintenanceInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runMaintenance()
		case sig := <-sigCh:
			log.Printf("received %s, shutting down", sig)
			return
		}
	}
}

// runTokenCommand manages the bearer tokens for the read-only archive API:
// archiver token new <name> | verify <secret> | revoke <id> | list.
func runTokenCommand(cfg config.Config, args []string) {
	tokens := apitoken.NewService(cfg.TokensFile)
	if len(args) == 0 {
		log.Fatalf("usage: archiver token new <name> | verify <secret> | revoke <id> | list")
	}
	switch args[0] {
	case "new":
		if len(args) != 2 {
			log.Fatalf("usage: archiver token new <name>")
		}
		token, secret, err := tokens.Create(args[1])
		if err != nil {
			log.Fatalf("create token: %v", err)
		}
		fmt.Printf("created token %s (%s)\n", token.ID, token.Name)
		fmt.Printf("secret (shown once): %s\n", secret)
	case "verify":
		if len(args) != 2 {
			log.Fatalf("usage: archiver token verify <secret>")
		}
		token, err := tokens.Verify(args[1])
		if errors.Is(err, apitoken.ErrInvalidToken) {
			log.Fatalf("secret matches no active token")
		}
		if err != nil {
			log.Fatalf("verify token: %v", err)
		}
		fmt.Printf("secret matches token %s (%s)\n", token.ID, token.Name)
	case "revoke":
		if len(args) != 2 {
			log.Fatalf("usage: archiver token revoke <id>")
		}
		revoked, err := tokens.Revoke(args[1])
		if err != nil {
			log.Fatalf("revoke token: %v", err)
		}
		if !revoked {
			log.Fatalf("no active token with id %s", args[1])
		}
		fmt.Printf("revoked token %s\n", args[1])
	case "list":
		list, err := tokens.List()
		if err != nil {
			log.Fatalf("list tokens: %v", err)
		}
		for _, token := range list {
			state := "active"
			if token.Revoked {
				state = "revoked"
			}
			fmt.Printf("%s  %-20s %s  created %s\n", token.ID, token.Name, state,
				time.UnixMilli(token.CreatedAt).UTC().Format(time.RFC3339))
		}
	default:
		log.Fatalf("unknown token command %q", args[0])
	}
}

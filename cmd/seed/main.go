package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/market/internal/auth"
	"github.com/xtrntr/market/internal/config"
	"github.com/xtrntr/market/internal/db"
	"github.com/xtrntr/market/internal/history"
	"github.com/xtrntr/market/internal/inventory"
	"github.com/xtrntr/market/internal/ledger"
	"github.com/xtrntr/market/internal/market"
	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/pricing"
	"github.com/xtrntr/market/internal/storage"
	"github.com/xtrntr/market/migrations"
)

const (
	npcID   = "npc-market"
	npcName = "Market NPC"
)

// stock is what the NPC puts up for sale
var stock = []models.Entity{
	&models.Creature{Species: "Eevee", Level: 15, Nature: "Jolly", Ability: "Adaptability", IVs: [6]int{31, 20, 18, 12, 25, 31}},
	&models.Creature{Species: "Charmander", Level: 8, Shiny: true, Nature: "Timid", Ability: "Blaze"},
	&models.Creature{Species: "Dratini", Level: 30, Nature: "Adamant", Ability: "Marvel Scale", HiddenAbility: true},
	&models.Creature{Species: "Lapras", Level: 40, Nature: "Modest", Ability: "Water Absorb", IVs: [6]int{31, 31, 31, 10, 10, 10}},
	&models.ItemStack{ItemID: "rare_candy", Name: "Rare Candy", Count: 5},
	&models.ItemStack{ItemID: "ultra_ball", Name: "Ultra Ball", Count: 20},
	&models.ItemStack{ItemID: "leftovers", Name: "Leftovers", Count: 1},
}

// Seed the configured store with demo listings and, on postgres, an admin
func main() {
	configPath := flag.String("config", "market.yaml", "path to the YAML config")
	flag.Parse()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var backend storage.Backend
	switch cfg.Storage {
	case "postgres":
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close(ctx)
		if err := database.Migrate(ctx, migrations.Init); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		seedAdmin(ctx, auth.NewAuthService(database, cfg.JWTSecret))
		backend = database
	default:
		files, err := storage.NewFileBackend(cfg.DataDir)
		if err != nil {
			log.Fatalf("Failed to open data dir: %v", err)
		}
		backend = files
	}

	writer := storage.NewWriter(backend, cfg.WriterSettings(nil))
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace.D())
		defer cancel()
		if err := writer.Close(closeCtx); err != nil {
			log.Printf("Writer shutdown: %v", err)
		}
	}()

	rules := cfg.MarketRules()
	rules.MaxListingsPerPlayer = 0
	pricer := pricing.NewTierPricer(cfg.Tiers)
	engine, err := market.New(rules, market.Deps{
		Ledger:   ledger.NewMemory(),
		Delivery: inventory.NewMemory(0),
		History:  history.NewLedger(writer, nil),
		Queue:    writer,
		Pricer:   pricer,
	})
	if err != nil {
		log.Fatalf("Failed to create market: %v", err)
	}
	if err := engine.Load(ctx, backend); err != nil {
		log.Fatalf("Failed to load market: %v", err)
	}

	// First check if the NPC already has stock
	if n := engine.Store().CountBySeller(npcID); n > 0 {
		fmt.Printf("Market already has %d NPC listings. No need to seed.\n", n)
		return
	}

	for i, ent := range stock {
		price := decimal.Max(pricer.MinimumPrice(ent.Attributes()), rules.MinPrice).Mul(decimal.NewFromInt(int64(i%3 + 1)))
		if i%3 == 2 {
			l, err := engine.CreateAuction(ctx, market.AuctionRequest{
				SellerID:      npcID,
				SellerName:    npcName,
				Entity:        ent,
				StartingPrice: price,
				Duration:      24 * time.Hour,
			})
			if err != nil {
				log.Fatalf("Failed to create auction for %s: %v", ent.Attributes().DisplayName, err)
			}
			fmt.Printf("Auction   %s  %-12s from %s\n", l.ID, l.Attributes.DisplayName, pricing.Format(price, l.Currency))
			continue
		}
		l, err := engine.CreateListing(ctx, market.CreateRequest{
			SellerID:   npcID,
			SellerName: npcName,
			Entity:     ent,
			Price:      price,
		})
		if err != nil {
			log.Fatalf("Failed to create listing for %s: %v", ent.Attributes().DisplayName, err)
		}
		fmt.Printf("Listing   %s  %-12s at %s\n", l.ID, l.Attributes.DisplayName, pricing.Format(price, l.Currency))
	}

	if err := writer.Flush(ctx); err != nil {
		log.Fatalf("Failed to flush listings: %v", err)
	}
	fmt.Println("Successfully seeded the market!")
}

// seedAdmin creates the admin account unless it already exists
func seedAdmin(ctx context.Context, svc *auth.AuthService) {
	username := os.Getenv("SEED_ADMIN_USER")
	if username == "" {
		username = "admin"
	}
	password := os.Getenv("SEED_ADMIN_PASSWORD")
	if password == "" {
		password = "admin"
	}
	_, err := svc.CreateAdmin(ctx, username, password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		fmt.Printf("Admin %s already exists\n", username)
	case err != nil:
		log.Fatalf("Failed to create admin: %v", err)
	default:
		fmt.Printf("Created admin %s\n", username)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/xelth-com/foodlens/internal/auth"
	"github.com/xelth-com/foodlens/internal/config"
	"github.com/xelth-com/foodlens/internal/database"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/lookup"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/services/remotedb"
)

const demoUserID = "demo-user"

type demoProduct struct {
	Barcode    string
	Name       string
	Brand      string
	NutriScore string
	Nova       int
	Labels     []string
	Categories []string
}

var demoProducts = []demoProduct{
	{"3017620422003", "Nutella", "Ferrero", "E", 4, nil, []string{"spreads", "sweet-spreads"}},
	{"5449000000996", "Coca-Cola", "Coca-Cola", "E", 4, nil, []string{"beverages", "sodas"}},
	{"3274080005003", "Eau minérale naturelle", "Cristaline", "A", 1, nil, []string{"beverages", "waters"}},
	{"7622210449283", "Prince Chocolat", "LU", "D", 4, nil, []string{"snacks", "biscuits"}},
	{"8076809513753", "Spaghetti n.5", "Barilla", "A", 1, nil, []string{"pastas"}},
	{"3229820129488", "Muesli Bio", "Bjorg", "A", 1, []string{"organic", "eu-organic"}, []string{"breakfasts", "cereals"}},
	{"20724696", "Organic Bananas", "Lidl", "A", 1, []string{"organic"}, []string{"fruits"}},
	{"40084107", "Apfelschorle", "Lift", "C", 3, nil, []string{"beverages", "juices"}},
}

func main() {
	fmt.Println("FoodLens Demo Data Seeder")
	fmt.Println(strings.Repeat("=", 60))

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(nil, cfg.Server.LogLevel, "text")

	// Connect to database
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	store := remotedb.NewStore(db.DB)
	if err := store.AutoMigrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Println("Connected and migrated")
	fmt.Println()

	fmt.Println("Creating products...")
	created := 0
	for _, d := range demoProducts {
		p := &models.Product{
			Barcode:     d.Barcode,
			Name:        d.Name,
			Brand:       d.Brand,
			NutriScore:  d.NutriScore,
			NovaGroup:   d.Nova,
			HealthScore: lookup.HealthScore(d.NutriScore, d.Nova, d.Labels),
			Labels:      d.Labels,
			Categories:  d.Categories,
		}
		saved, err := store.InsertProduct(ctx, p)
		if err != nil {
			log.Printf("  %s: %v", d.Barcode, err)
			continue
		}
		created++
		fmt.Printf("  [%s] %-28s score %3d\n", saved.Barcode, saved.Name, saved.HealthScore)
	}
	fmt.Printf("%d/%d products seeded\n\n", created, len(demoProducts))

	fmt.Println("Creating demo profile...")
	profile := &models.UserProfile{
		ID:                 demoUserID,
		Username:           "demo",
		DisplayName:        "Demo User",
		DietaryPreferences: []string{"vegetarian"},
		Allergies:          []string{"peanuts"},
	}
	if err := store.UpdateProfile(ctx, profile); err != nil {
		log.Fatalf("Failed to create profile: %v", err)
	}

	token, err := auth.NewSession(cfg.Auth.JWTSecret).IssueToken(demoUserID, profile.Username, 0)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println()
	fmt.Println("Demo token (valid for one hour):")
	fmt.Println(token)
}

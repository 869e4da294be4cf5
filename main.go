package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"referral-rewards-engine/handlers"
	"referral-rewards-engine/middleware"
	"referral-rewards-engine/models"
	"referral-rewards-engine/services"
	"referral-rewards-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Driver-ID, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.ReferralCode{},
		&models.Referral{},
		&models.RewardConfiguration{},
		&models.ConfigurationAudit{},
		&models.PointsLedgerEntry{},
		&models.PointsBalance{},
		&models.ProcessedEvent{},
		&models.BudgetPeriod{},
		&models.LeaderboardEntry{},
		&models.RedemptionRequest{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	scope := os.Getenv("REWARDS_SCOPE")
	if scope == "" {
		scope = "default"
	}

	configService := services.NewConfigService(db)
	ledgerService := services.NewLedgerService(db)
	budgetService := services.NewBudgetService(db)
	evaluatorService := services.NewEvaluatorService(db, configService, ledgerService, budgetService, scope)
	leaderboardService := services.NewLeaderboardService(db, configService, ledgerService, budgetService, scope)
	redemptionService := services.NewRedemptionService(db, configService, ledgerService, scope)
	referralService := services.NewReferralService(db, configService, ledgerService, scope)

	eventWorkers := 4
	if v := os.Getenv("EVENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			eventWorkers = n
		}
	}
	dispatcher := workers.NewEventDispatcher(evaluatorService, eventWorkers, 256)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dispatcher.Start(ctx)

	leaderboardService.StartPeriodScheduler(referralService)

	// ✅ Setup routes — enforced Gateway auth on everything
	handlers.SetupEventRoutes(app, dispatcher)
	handlers.SetupDriverRoutes(app, referralService, ledgerService, redemptionService, leaderboardService)
	handlers.SetupAdminRoutes(app, configService, budgetService, referralService, leaderboardService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Referral rewards engine running on http://localhost:%s", port)
	log.Printf("✅ Event dispatcher running (%d workers)", eventWorkers)
	log.Println("✅ Leaderboard scheduler running")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
	dispatcher.Wait()
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"safetalk/auth"
	"safetalk/coach"
	"safetalk/db"
	"safetalk/invite"
	"safetalk/notify"
	"safetalk/pair"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	pairRepo := pair.NewRepository(pool)
	inviteRepo := invite.NewRepository(pool)

	server := &Server{
		authService:   auth.NewService(auth.NewRepository(pool), jwtSecret),
		pairService:   pair.NewService(pairRepo),
		engine:        pair.NewEngine(pool, pairRepo),
		inviteService: invite.NewService(pool, inviteRepo),
		coachService:  coach.New(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_MODEL")),
		mailer: notify.NewResend(
			os.Getenv("RESEND_API_KEY"),
			os.Getenv("EMAIL_FROM"),
			os.Getenv("APP_URL"),
		),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("listening on :%s", port)
	if err := http.ListenAndServe(":"+port, server.routes()); err != nil {
		log.Fatalf("server: %v", err)
	}
}

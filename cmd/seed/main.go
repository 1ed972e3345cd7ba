package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hire-africa/docavailable-sub012/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedPlans(context.Background(), pool); err != nil {
		log.Fatalf("seed plans: %v", err)
	}
	if err := seedDoctors(context.Background(), pool, 50); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedPlans(ctx context.Context, pool *pgxpool.Pool) error {
	log.Println("seeding plans")

	plans := []struct {
		id       string
		name     string
		text     int
		voice    int
		video    int
		price    int64
		currency string
	}{
		{"basic-mwk", "Basic", 3, 1, 0, 10000000, "MWK"},
		{"standard-mwk", "Standard", 10, 5, 2, 25000000, "MWK"},
		{"premium-mwk", "Premium", 30, 15, 10, 60000000, "MWK"},
		{"basic-usd", "Basic (USD)", 3, 1, 0, 1000, "USD"},
		{"premium-usd", "Premium (USD)", 30, 15, 10, 5000, "USD"},
	}

	for _, p := range plans {
		_, err := pool.Exec(ctx, `
			INSERT INTO plans (id, name, text_sessions, voice_calls, video_calls, price_minor, currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, p.id, p.name, p.text, p.voice, p.video, p.price, p.currency)
		if err != nil {
			return err
		}
	}

	log.Println("plans seeded")
	return nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d doctors", count)

	countries := []string{"malawi", "malawi", "malawi", "zambia", "kenya", "south africa"}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		country := countries[gofakeit.Number(0, len(countries)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, country, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, country)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, created_at, updated_at)
				VALUES ($1, $2, now(), now())
			`, id, name)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			// Most seeded patients start with a small balance so text
			// and call flows can be exercised immediately.
			_, err = tx.Exec(ctx, `
				INSERT INTO subscription_balances (user_id, text_sessions_remaining, voice_calls_remaining, video_calls_remaining, updated_at)
				VALUES ($1, $2, $3, $4, now())
			`, id, gofakeit.Number(0, 10), gofakeit.Number(0, 5), gofakeit.Number(0, 2))
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/stemsi/exstem-live/internal/catalog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/session"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	// ─── Connect to PostgreSQL and Redis ───────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	examRepo := repository.NewExamRepository(pool)
	exams := catalog.New(examRepo, rdb, catalog.DefaultTTL, log)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Set Exam Password ===")

	fmt.Print("Enter Exam ID: ")
	examIDStr, _ := reader.ReadString('\n')
	examID, err := strconv.ParseInt(strings.TrimSpace(examIDStr), 10, 64)
	if err != nil || examID <= 0 {
		fmt.Println("Error: Exam ID must be a positive number")
		return
	}

	exam, err := examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			fmt.Printf("Error: exam %d not found\n", examID)
			return
		}
		log.Fatal().Err(err).Msg("Failed to load exam")
	}
	fmt.Printf("Exam: %s\n", exam.Title)

	// An empty password removes the gate.
	fmt.Print("Enter Password (empty to remove): ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading password")
		return
	}
	fmt.Println() // Newline after password input
	password := string(bytePassword)

	hash := ""
	if password != "" {
		fmt.Print("Confirm Password: ")
		confirm, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil || string(confirm) != password {
			fmt.Println("Error: passwords do not match")
			return
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), cfg.BcryptCost)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		hash = string(hashed)
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	if err := examRepo.SetPasswordHash(ctx, examID, hash); err != nil {
		log.Fatal().Err(err).Msg("Failed to store password")
	}
	if err := exams.Invalidate(ctx, examID); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate cached exam; it refreshes within the cache TTL")
	}

	if hash == "" {
		fmt.Printf("\nSuccess! Password removed from exam %d\n", examID)
		return
	}
	fmt.Printf("\nSuccess! Password set for exam %d\n", examID)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/reconnect"
)

// class-watch follows class rooms over the classroom channel and prints each
// event, reconnecting with backoff. Tracked submissions are resumed after
// every reconnect so a proctor can watch a student's clock survive drops.
func main() {
	var (
		server      string
		token       string
		userID      int
		classes     string
		submissions string
		logLevel    string
	)
	flag.StringVar(&server, "server", "http://localhost:8080", "Server base URL")
	flag.StringVar(&token, "token", os.Getenv("EXSTEM_TOKEN"), "JWT (defaults to $EXSTEM_TOKEN)")
	flag.IntVar(&userID, "user", 0, "User ID carried by the token (required)")
	flag.StringVar(&classes, "classes", "", "Comma-separated class IDs to join")
	flag.StringVar(&submissions, "submissions", "", "Comma-separated submission IDs to resume after reconnects")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
	flag.Parse()

	log := logger.Setup(logLevel, "pretty")

	if token == "" || userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -token and -user are required")
		os.Exit(2)
	}

	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(server, "/"), "http") + "/ws/v1/classroom"
	coord := reconnect.New(
		&reconnect.WSDialer{URL: wsURL, Token: token},
		&reconnect.HTTPSessionAPI{BaseURL: strings.TrimSuffix(server, "/"), Token: token},
		reconnect.Handlers{
			OnEvent: func(f reconnect.Frame) {
				fmt.Printf("[class %d #%d] %s %s\n", f.ClassID, f.Seq, f.Event, f.Data)
			},
			OnResync: func(classID int64) {
				fmt.Printf("[class %d] events missed while disconnected, refresh the feed\n", classID)
			},
			OnResume: func(st *reconnect.ResumeState) {
				fmt.Printf("[submission %s] %s, question %d/%d, %ds left\n",
					st.SubmissionID, st.Status, st.CurrentQuestionOrder, st.TotalQuestions, st.RemainingTimeSeconds)
			},
			OnState: func(s reconnect.ConnState) {
				log.Info().Str("state", s.String()).Msg("Channel state changed")
			},
			OnError: func(err error) {
				log.Warn().Err(err).Msg("Classroom error")
			},
		},
		reconnect.Config{UserID: userID},
		log,
	)

	for _, raw := range splitList(classes) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			fmt.Fprintf(os.Stderr, "Error: invalid class id %q\n", raw)
			os.Exit(2)
		}
		_ = coord.Join(id)
	}
	for _, raw := range splitList(submissions) {
		id, err := uuid.Parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid submission id %q\n", raw)
			os.Exit(2)
		}
		coord.Track(id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Classroom channel failed")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"tg-imagebot/internal/config"
	"tg-imagebot/internal/models"
	"tg-imagebot/internal/moderation"
	"tg-imagebot/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	ErrUserIDRequired = errors.New("USER_ID argument required")
	ErrWordRequired   = errors.New("WORD argument required")
	ErrNotSQL         = errors.New("this command needs the mysql or sqlite driver")
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "modctl",
		Usage: "Inspect and manage the image bot's moderation data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/config.yaml",
				Usage:   "Path to configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create or update the database tables",
				Action: withBackend(migrate),
			},
			{
				Name:  "reset",
				Usage: "Drop and recreate every table",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Skip the confirmation prompt"},
				},
				Action: withBackend(reset),
			},
			{
				Name:   "bans",
				Usage:  "List banned users",
				Action: withGate(listBans),
			},
			{
				Name:      "ban",
				Usage:     "Ban a user from generating images",
				ArgsUsage: "USER_ID [REASON...]",
				Action:    withGate(ban),
			},
			{
				Name:      "unban",
				Usage:     "Lift a user's ban",
				ArgsUsage: "USER_ID",
				Action:    withGate(unban),
			},
			{
				Name:      "whybanned",
				Usage:     "Show why a user was banned",
				ArgsUsage: "USER_ID",
				Action:    withGate(whyBanned),
			},
			{
				Name:      "warnings",
				Usage:     "Show the warnings of one user, or of everyone",
				ArgsUsage: "[USER_ID]",
				Action:    withGate(warnings),
			},
			{
				Name:      "clear-warnings",
				Usage:     "Remove every warning of a user",
				ArgsUsage: "USER_ID",
				Action:    withGate(clearWarnings),
			},
			{
				Name:  "words",
				Usage: "Manage the banned word list",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List banned words",
						Action: withGate(listWords),
					},
					{
						Name:      "add",
						Usage:     "Add a banned word",
						ArgsUsage: "WORD",
						Action:    withGate(addWord),
					},
					{
						Name:      "remove",
						Usage:     "Remove a banned word",
						ArgsUsage: "WORD",
						Action:    withGate(removeWord),
					},
				},
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

type backendAction func(ctx context.Context, c *cli.Command, cfg *config.Config, b *storage.Backend) error

type gateAction func(ctx context.Context, c *cli.Command, gate *moderation.Gate) error

// withBackend opens the configured store around action
func withBackend(action backendAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}

		b, err := storage.Open(cfg)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
		}
		defer b.Close()

		return action(ctx, c, cfg, b)
	}
}

// withGate gives action a gate over the configured store; admin changes made
// here are not announced to chat admins
func withGate(action gateAction) cli.ActionFunc {
	return withBackend(func(ctx context.Context, c *cli.Command, cfg *config.Config, b *storage.Backend) error {
		gate := moderation.NewGate(
			b.Store,
			moderation.NewWordFilter(cfg.Moderation.BannedWords),
			nil,
			moderation.GateConfig{
				Threshold:       cfg.Moderation.WarningThreshold,
				ConflictRetries: cfg.Moderation.ConflictRetries,
			},
		)
		if err := gate.LoadWords(ctx); err != nil {
			return fmt.Errorf("failed to load banned words: %w", err)
		}
		return action(ctx, c, gate)
	})
}

func migrate(_ context.Context, _ *cli.Command, _ *config.Config, b *storage.Backend) error {
	if b.DB == nil {
		fmt.Println("Nothing to migrate for this driver.")
		return nil
	}
	// storage.Open already migrated; report what is there
	tables := []struct {
		name  string
		model any
	}{
		{"bans", &models.BanRecord{}},
		{"warnings", &models.WarningRecord{}},
		{"banned words", &models.BannedWord{}},
		{"counters", &models.ModerationCounter{}},
		{"generations", &models.GenerationRecord{}},
	}
	for _, t := range tables {
		var count int64
		if err := b.DB.Model(t.model).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count %s: %w", t.name, err)
		}
		fmt.Printf("✅ %s: %d records\n", t.name, count)
	}
	fmt.Println("Migration completed successfully")
	return nil
}

func reset(_ context.Context, c *cli.Command, _ *config.Config, b *storage.Backend) error {
	if b.DB == nil {
		return ErrNotSQL
	}

	if !c.Bool("yes") {
		fmt.Print("WARNING: This will delete all data! Are you sure? (y/N): ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.TrimSpace(answer); a != "y" && a != "Y" {
			return errors.New("operation cancelled by user")
		}
	}

	if err := storage.DropAll(b.DB); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	if err := storage.Migrate(b.DB); err != nil {
		return fmt.Errorf("failed to recreate tables: %w", err)
	}
	fmt.Println("Database reset completed successfully")
	return nil
}

func listBans(ctx context.Context, _ *cli.Command, gate *moderation.Gate) error {
	bans, err := gate.ListBans(ctx)
	if err != nil {
		return err
	}
	if len(bans) == 0 {
		fmt.Println("There are no banned users.")
		return nil
	}
	for _, b := range bans {
		fmt.Printf("User ID: %s, Reason: %s, Banned at: %s\n", b.UserID, b.Reason, b.BannedAt.Format(timeLayout))
	}
	return nil
}

func ban(ctx context.Context, c *cli.Command, gate *moderation.Gate) error {
	if c.Args().Len() < 1 {
		return ErrUserIDRequired
	}
	userID := c.Args().First()
	reason := strings.Join(c.Args().Tail(), " ")

	if err := gate.Ban(ctx, userID, reason); err != nil {
		return err
	}
	fmt.Printf("Banned %s.\n", userID)
	return nil
}

func unban(ctx context.Context, c *cli.Command, gate *moderation.Gate) error {
	if c.Args().Len() != 1 {
		return ErrUserIDRequired
	}
	removed, err := gate.Unban(ctx, c.Args().First())
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("%s is not banned.\n", c.Args().First())
		return nil
	}
	fmt.Printf("Unbanned %s.\n", c.Args().First())
	return nil
}

func whyBanned(ctx context.Context, c *cli.Command, gate *moderation.Gate) error {
	if c.Args().Len() != 1 {
		return ErrUserIDRequired
	}
	userID := c.Args().First()

	rec, err := gate.BanInfo(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Printf("%s is not banned.\n", userID)
		return nil
	}
	fmt.Printf("%s was banned on %s for the following reason: %s\n", userID, rec.BannedAt.Format(timeLayout), rec.Reason)
	return nil
}

func warnings(ctx context.Context, c *cli.Command, gate *moderation.Gate) error {
	if c.Args().Len() == 0 {
		all, err := gate.AllWarnings(ctx)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No users have warnings.")
			return nil
		}
		for userID, list := range all {
			fmt.Printf("User ID: %s, Warnings: %d, Status: %s\n", userID, len(list), moderation.WarningStatus(len(list), gate.Threshold()))
		}
		return nil
	}

	userID := c.Args().First()
	list, err := gate.Warnings(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", userID, moderation.WarningStatus(len(list), gate.Threshold()))
	for i, w := range list {
		fmt.Printf("%d. %s  word '%s': %s\n", i+1, w.WarnedAt.Format(timeLayout), w.BannedWord, w.Prompt)
	}
	return nil
}

func clearWarnings(ctx context.Context, c *cli.Command, gate *moderation.Gate) error {
	if c.Args().Len() != 1 {
		return ErrUserIDRequired
	}
	n, err := gate.ClearWarnings(ctx, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d warnings from %s.\n", n, c.Args().First())
	return nil
}

func listWords(_ context.Context, _ *cli.Command, gate *moderation.Gate) error {
	words := gate.BannedWords()
	if len(words) == 0 {
		fmt.Println("There are no banned words.")
		return nil
	}
	for _, w := range words {
		fmt.Println(w)
	}
	return nil
}

func addWord(ctx context.Context, c *cli.Command, gate *moderation.Gate) error {
	if c.Args().Len() != 1 {
		return ErrWordRequired
	}
	added, err := gate.AddBannedWord(ctx, c.Args().First())
	if err != nil {
		return err
	}
	if !added {
		fmt.Printf("'%s' is already banned.\n", c.Args().First())
		return nil
	}
	fmt.Printf("Added '%s'.\n", c.Args().First())
	return nil
}

func removeWord(ctx context.Context, c *cli.Command, gate *moderation.Gate) error {
	if c.Args().Len() != 1 {
		return ErrWordRequired
	}
	removed, err := gate.RemoveBannedWord(ctx, c.Args().First())
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("'%s' is not a banned word.\n", c.Args().First())
		return nil
	}
	fmt.Printf("Removed '%s'.\n", c.Args().First())
	return nil
}

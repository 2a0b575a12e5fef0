package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"kronos/internal/caldav"
	"kronos/internal/config"
	"kronos/internal/google"
	"kronos/internal/ics"
	"kronos/internal/mail"
	"kronos/internal/models"
	"kronos/internal/runner"
	"kronos/internal/sources"
	"kronos/internal/trigger"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "kronos",
		Usage:  "Send email notifications for upcoming calendar events.",
		Flags:  runFlags(),
		Action: runAction,
		Commands: []*cli.Command{
			authCommand(),
			runCommand(),
			triggersCommand(),
		},
	}
}

// flagContext returns the nearest context in which name was set, so a flag
// given before the command name ("kronos --dry-run run") is not shadowed by
// the command's own unset copy of it.
func flagContext(c *cli.Context, name string) *cli.Context {
	for _, cc := range c.Lineage() {
		if cc.IsSet(name) {
			return cc
		}
	}
	return c
}

func stringFlag(c *cli.Context, name string) string {
	return flagContext(c, name).String(name)
}

func boolFlag(c *cli.Context, name string) bool {
	return flagContext(c, name).Bool(name)
}

func durationFlag(c *cli.Context, name string) time.Duration {
	return flagContext(c, name).Duration(name)
}

// runSettings are the options of a trigger run.
type runSettings struct {
	ConfigPath  string
	SecretsFile string
	TokenStore  string
	Timezone    string
	DryRun      bool
	KeepGoing   bool
	Schedule    string
	SMTPTimeout time.Duration
}

func runSettingsFrom(c *cli.Context) runSettings {
	return runSettings{
		ConfigPath:  stringFlag(c, "config"),
		SecretsFile: stringFlag(c, "secrets"),
		TokenStore:  stringFlag(c, "token-store"),
		Timezone:    stringFlag(c, "timezone"),
		DryRun:      boolFlag(c, "dry-run"),
		KeepGoing:   boolFlag(c, "keep-going"),
		Schedule:    stringFlag(c, "schedule"),
		SMTPTimeout: durationFlag(c, "smtp-timeout"),
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{Name: "config", Value: config.DefaultPath, EnvVars: []string{"KRONOS_CONFIG"}, Usage: "Trigger configuration file."}
}

func secretsFlag() cli.Flag {
	return &cli.StringFlag{Name: "secrets", Value: google.DefaultSecretsFile, EnvVars: []string{"KRONOS_SECRETS"}, Usage: "Google OAuth client secrets file."}
}

func tokenStoreFlag() cli.Flag {
	return &cli.StringFlag{Name: "token-store", Value: google.DefaultTokenStore, EnvVars: []string{"KRONOS_TOKEN_STORE"}, Usage: "OAuth token cache file."}
}

func timezoneFlag() cli.Flag {
	return &cli.StringFlag{Name: "timezone", Value: "Local", EnvVars: []string{"PRIMARY_TIMEZONE"}, Usage: "IANA timezone used for \"now\" and target dates."}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		configFlag(),
		secretsFlag(),
		tokenStoreFlag(),
		timezoneFlag(),
		&cli.BoolFlag{Name: "dry-run", Usage: "Log the emails that would be sent without sending them."},
		&cli.BoolFlag{Name: "keep-going", EnvVars: []string{"KRONOS_KEEP_GOING"}, Usage: "Continue with the next trigger when one fails."},
		&cli.StringFlag{Name: "schedule", EnvVars: []string{"KRONOS_SCHEDULE"}, Usage: "Cron spec (e.g. \"0 7 * * *\") to run repeatedly instead of once."},
		&cli.DurationFlag{Name: "smtp-timeout", Value: 30 * time.Second, Usage: "Timeout of each SMTP command."},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize read access to Google Calendar and store the credential.",
		Flags: []cli.Flag{secretsFlag(), tokenStoreFlag()},
		Action: func(c *cli.Context) error {
			logger := setupLogger(logLevel())
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.OAuthConfig(stringFlag(c, "secrets"))
			if err != nil {
				return err
			}

			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", google.AuthCodeURL(oauthConfig))
			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)
			if authCode == "" {
				return errors.New("no authorization code entered")
			}

			store := google.NewFileTokenStore(stringFlag(c, "token-store"))
			if _, err := google.ExchangeAndStore(c.Context, oauthConfig, store, google.DefaultUserID, authCode); err != nil {
				return err
			}

			logger.Info("Successfully authenticated and saved token.", "file", store.Path(), "user", google.DefaultUserID)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Check every enabled trigger and send the notifications that are due.",
		Flags:  runFlags(),
		Action: runAction,
	}
}

func triggersCommand() *cli.Command {
	return &cli.Command{
		Name:  "triggers",
		Usage: "List the configured triggers and their target dates.",
		Flags: []cli.Flag{configFlag(), timezoneFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(stringFlag(c, "config"))
			if err != nil {
				return err
			}
			loc, err := loadLocation(stringFlag(c, "timezone"))
			if err != nil {
				return err
			}
			now := time.Now().In(loc)

			printTriggers := func(title string, triggers []trigger.Trigger) {
				fmt.Printf("%s:\n", title)
				for _, t := range triggers {
					fmt.Printf("\t%s - %s (%s) - target %s - /%s/\n",
						t.Name, t.SourceCalendarID, t.Offset, t.Target(now).Format(models.DateLayout), t.Pattern)
				}
			}
			printTriggers("Active triggers", cfg.Active())
			printTriggers("Inactive triggers", cfg.Inactive())
			for _, w := range cfg.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			return nil
		},
	}
}

func runAction(c *cli.Context) error {
	logger := setupLogger(logLevel())
	settings := runSettingsFrom(c)

	if settings.DryRun {
		logger.Info("Performing a dry run. No emails will be sent.")
	}

	cfg, err := config.Load(settings.ConfigPath)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		logger.Warn("Suspicious trigger configuration", "warning", w)
	}

	loc, err := loadLocation(settings.Timezone)
	if err != nil {
		return err
	}

	calendars, err := buildCalendars(c.Context, logger, settings, cfg.Active(), loc)
	if err != nil {
		return err
	}

	r := runner.New(logger, calendars, mail.NewSender(logger, settings.SMTPTimeout), runner.Options{
		DryRun:    settings.DryRun,
		KeepGoing: settings.KeepGoing,
	})

	runOnce := func(ctx context.Context) error {
		_, err := r.Run(ctx, cfg.Triggers, time.Now().In(loc))
		return err
	}

	spec := settings.Schedule
	if spec == "" {
		logger.Info("Running a single trigger check.")
		return runOnce(c.Context)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := scheduler.AddFunc(spec, func() {
		if err := runOnce(ctx); err != nil {
			logger.Error("Trigger run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	logger.Info("Starting scheduler.", "schedule", spec, "timezone", loc.String())
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	logger.Info("Scheduler stopped.")
	return nil
}

// buildCalendars creates the calendar backends the active triggers need.
// The Google client is only built, and its secrets only required, when a
// trigger reads a Google calendar.
func buildCalendars(ctx context.Context, logger *slog.Logger, settings runSettings, active []trigger.Trigger, loc *time.Location) (*sources.Router, error) {
	ids := make([]string, 0, len(active))
	for _, t := range active {
		ids = append(ids, t.SourceCalendarID)
	}
	kinds := sources.Kinds(ids)

	router := sources.NewRouter()
	if kinds[sources.KindGoogle] {
		store := google.NewFileTokenStore(settings.TokenStore)
		gClient, err := google.NewClient(ctx, logger, settings.SecretsFile, store)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client: %w", err)
		}
		router.Register(sources.KindGoogle, gClient)
	}
	if kinds[sources.KindCalDAV] {
		cClient, err := caldav.NewClient(logger, os.Getenv("CALDAV_URL"), os.Getenv("CALDAV_USERNAME"), os.Getenv("CALDAV_PASSWORD"), loc)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		router.Register(sources.KindCalDAV, cClient)
	}
	if kinds[sources.KindICS] {
		router.Register(sources.KindICS, ics.NewFetcher(logger, nil, loc))
	}
	logger.Debug("Initialized calendar backends.", "google", kinds[sources.KindGoogle], "caldav", kinds[sources.KindCalDAV], "ics", kinds[sources.KindICS])
	return router, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", name, err)
	}
	return loc, nil
}

func logLevel() string {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return "info"
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/logging"
	"github.com/NicolasHaas/roomrelay/pkg/server"
	"github.com/NicolasHaas/roomrelay/pkg/version"
)

func main() {
	defaults := server.DefaultConfig()
	fs := flag.NewFlagSet("roomrelay-server", flag.ExitOnError)

	configPath := fs.String("config", "", "YAML config file (flags override its values)")
	listen := fs.String("listen", defaults.ListenAddr, "HTTP bind address serving /ws")
	metrics := fs.String("metrics", defaults.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	dbPath := fs.String("db", defaults.DBPath, "SQLite database file path")
	secret := fs.String("secret", "", "Token signing secret (random per run if empty)")
	origins := fs.StringSlice("allow-origin", defaults.AllowedOrigins, "Allowed browser origins, \"*\" for any")
	exportUsers := fs.Bool("export-users", false, "Export all users as YAML and exit")
	issueToken := fs.String("issue-token", "", "Upsert the user with this external ID, print a session token and exit")
	name := fs.String("name", "", "Display name for --issue-token")
	avatar := fs.String("avatar", "", "Avatar reference for --issue-token")
	email := fs.String("email", "", "Email for --issue-token")
	logLevel := fs.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := fs.String("log-format", "text", "Log format: text or json")
	showVersion := fs.BoolP("version", "v", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	cfg := defaults
	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath, defaults)
		if err != nil {
			slog.Error("load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Explicit flags win over the config file.
	if fs.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if fs.Changed("metrics") {
		cfg.MetricsAddr = *metrics
	}
	if fs.Changed("db") {
		cfg.DBPath = *dbPath
	}
	if fs.Changed("secret") {
		cfg.Secret = *secret
	}
	if fs.Changed("allow-origin") {
		cfg.AllowedOrigins = *origins
	}
	cfg.ExportUsers = *exportUsers
	cfg.IssueToken = *issueToken

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	st, err := datastore.NewSQLStore(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}

	// Handle CLI actions (run and exit)
	if cfg.ExportUsers || cfg.IssueToken != "" {
		code := runAction(cfg, st, server.Profile{
			ExternalID:  cfg.IssueToken,
			DisplayName: *name,
			AvatarRef:   *avatar,
			Email:       *email,
		})
		_ = st.Close()
		os.Exit(code)
	}

	a, err := server.NewAuthenticator(&cfg)
	if err != nil {
		slog.Error("init authenticator", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{Store: st, Auth: a})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func runAction(cfg server.Config, st datastore.DataStore, p server.Profile) int {
	ctx := context.Background()

	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(ctx, st)
		if err != nil {
			slog.Error("export users", "err", err)
			return 1
		}
		fmt.Print(string(data))
	}

	if cfg.IssueToken != "" {
		if cfg.Secret == "" {
			slog.Error("--issue-token needs a persistent --secret or config secret")
			return 1
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ExternalID
		}
		a, err := server.NewAuthenticator(&cfg)
		if err != nil {
			slog.Error("init authenticator", "err", err)
			return 1
		}
		user, token, err := server.Login(ctx, st, a, p)
		if err != nil {
			slog.Error("issue token", "err", err)
			return 1
		}
		slog.Info("issued session token", "user", user.ID, "external_id", user.ExternalID)
		fmt.Println(token)
	}
	return 0
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/telechubbiies/identity/pkg/config"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/oauth"
	"github.com/telechubbiies/identity/pkg/observability"
	"github.com/telechubbiies/identity/pkg/storage/postgres"
)

// seedFile describes the initial state of a fresh deployment: the
// first system owner and any first-party OAuth clients. Passwords and
// generated client secrets never land in the database in plaintext.
type seedFile struct {
	Owner struct {
		Email    string `yaml:"email"`
		Name     string `yaml:"name"`
		Password string `yaml:"password"`
	} `yaml:"owner"`
	Clients []seedClient `yaml:"clients"`
}

type seedClient struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
}

func main() {
	seedPath := flag.String("seed", "seed.yaml", "path to the bootstrap seed file")
	flag.Parse()

	if err := run(*seedPath); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
}

func run(seedPath string) error {
	raw, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	if seed.Owner.Email == "" || seed.Owner.Password == "" {
		return fmt.Errorf("seed file must set owner.email and owner.password")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logrus.New()
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer cm.Close()

	if err := postgres.Migrate(ctx, cm.Primary(), log); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := directory.NewStore(cm.Primary())
	service := directory.NewService(store, logger, nil, cfg.Auth.InvitationTTL)

	owner, err := service.Bootstrap(ctx, seed.Owner.Email, seed.Owner.Name, seed.Owner.Password)
	if err != nil {
		if errors.Is(err, directory.ErrConflict) {
			return fmt.Errorf("a system owner already exists; refusing to reseed")
		}
		return err
	}
	fmt.Printf("system owner created: %s (%s)\n", owner.Email, owner.ID)

	if len(seed.Clients) == 0 {
		return nil
	}

	registry, err := oauth.NewRegistry(cm.Primary())
	if err != nil {
		return fmt.Errorf("failed to initialize client registry: %w", err)
	}

	for _, sc := range seed.Clients {
		clientType := oauth.ClientType(sc.Type)
		client, secret, err := registry.Register(ctx, owner.ID, sc.Name, clientType, sc.RedirectURIs, sc.Scopes)
		if err != nil {
			return fmt.Errorf("failed to register client %q: %w", sc.Name, err)
		}

		fmt.Printf("client created: %s client_id=%s\n", client.Name, client.ClientID)
		if secret != "" {
			// Shown once; only the hash is stored.
			fmt.Printf("  client_secret=%s\n", secret)
		}
	}

	return nil
}

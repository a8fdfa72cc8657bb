// primal-pds is a single-tenant AT Protocol Personal Data Server.
//
// It reads configuration from pds.json in the working directory,
// connects to PostgreSQL, bootstraps the schema, and starts an HTTP
// server exposing the standard AT Protocol repository/sync/identity
// endpoints alongside an OAuth 2.1 authorization server.
//
// Usage:
//
//	./primal-pds init    # provisions the one hosted account, then exits
//	./primal-pds         # reads ./pds.json, starts the server
//	./primal-pds status  # reports the hosted account's lifecycle status
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/primal-host/primal-pds/internal/account"
	"github.com/primal-host/primal-pds/internal/auth"
	"github.com/primal-host/primal-pds/internal/blob"
	"github.com/primal-host/primal-pds/internal/config"
	"github.com/primal-host/primal-pds/internal/database"
	"github.com/primal-host/primal-pds/internal/events"
	"github.com/primal-host/primal-pds/internal/identity"
	"github.com/primal-host/primal-pds/internal/oauth"
	"github.com/primal-host/primal-pds/internal/repo"
	"github.com/primal-host/primal-pds/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg, err := config.Load("pds.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	accounts := account.NewStore(db)

	switch cmd {
	case "init":
		runInit(ctx, cfg, db, accounts)
	case "activate":
		runTransition(ctx, accounts, accounts.Activate)
	case "deactivate":
		runTransition(ctx, accounts, accounts.Deactivate)
	case "status":
		runStatus(ctx, accounts)
	case "serve":
		runServe(cfg, db, accounts)
	default:
		log.Fatalf("Unknown command: %s (expected init, activate, deactivate, status, or serve)", cmd)
	}
}

// runInit provisions the single account this process hosts: generates
// a signing key, derives (and optionally registers) a DID, and creates
// the account row. It is idempotent in the sense that a second call
// fails loudly with ErrAlreadyExists rather than silently doing nothing.
func runInit(ctx context.Context, cfg *config.Config, db *database.DB, accounts *account.Store) {
	signingKey, err := repo.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate signing key: %v", err)
	}

	serviceEndpoint := cfg.ServiceURL
	var did string
	var plcOp *account.PLCOperation

	if cfg.PLCEndpoint != "" {
		did, plcOp, err = account.GeneratePLCDID(signingKey, cfg.Handle, serviceEndpoint)
		if err != nil {
			log.Fatalf("Failed to derive PLC DID: %v", err)
		}
	} else {
		did, err = account.GenerateDID()
		if err != nil {
			log.Fatalf("Failed to generate DID: %v", err)
		}
	}

	password, err := account.GeneratePassword()
	if err != nil {
		log.Fatalf("Failed to generate password: %v", err)
	}

	acct, err := accounts.Create(ctx, account.CreateParams{
		DID:        did,
		Handle:     cfg.Handle,
		Password:   password,
		SigningKey: signingKey,
	})
	if err != nil {
		log.Fatalf("Failed to create account: %v", err)
	}

	repos := repo.NewManager(nil, nil)
	if err := repos.InitRepo(ctx, db.Pool, acct.DID, acct.SigningKey); err != nil {
		log.Fatalf("Failed to initialize repository: %v", err)
	}

	if cfg.PLCEndpoint != "" && plcOp != nil {
		if err := identity.RegisterDID(ctx, cfg.PLCEndpoint, did, plcOp, signingKey); err != nil {
			log.Printf("Warning: PLC registration failed: %v", err)
		}
	}

	fmt.Printf("Account provisioned.\n  did:      %s\n  handle:   %s\n  password: %s\n", acct.DID, acct.Handle, password)
}

// runTransition applies an account lifecycle transition (activate or
// deactivate) and prints the resulting status.
func runTransition(ctx context.Context, accounts *account.Store, transition func(context.Context) (*account.Account, error)) {
	acct, err := transition(ctx)
	if err != nil {
		log.Fatalf("Failed to transition account: %v", err)
	}
	fmt.Printf("Account %s is now %s\n", acct.Handle, acct.Status)
}

// runStatus prints the hosted account's current lifecycle status.
func runStatus(ctx context.Context, accounts *account.Store) {
	acct, err := accounts.Get(ctx)
	if err != nil {
		log.Fatalf("Failed to read account: %v", err)
	}
	fmt.Printf("did:    %s\nhandle: %s\nstatus: %s\n", acct.DID, acct.Handle, acct.Status)
}

// runServe starts the HTTP server and blocks until SIGINT/SIGTERM.
func runServe(cfg *config.Config, db *database.DB, accounts *account.Store) {
	log.Println("primal-pds starting...")
	log.Printf("Config loaded (listen=%s db=%s handle=%s)", cfg.ListenAddr, cfg.DBName, cfg.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	blobs := blob.NewStore()
	persister := events.NewPersister(db.Pool)
	eventsMgr := events.NewManager(persister)
	defer eventsMgr.Shutdown()

	repos := repo.NewManager(eventsMgr, blobs)

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.OAuthIssuer)

	oauthStorage := oauth.NewPGStorage(db.Pool)
	tokenEndpoint := cfg.ServiceURL + "/oauth/token"
	oauthEngine := oauth.NewEngine(oauthStorage, cfg.OAuthIssuer, tokenEndpoint)

	// Periodic garbage collection: unreferenced blobs, expired OAuth
	// state, and pruning of firehose history beyond the retention
	// window all run as best-effort background loops.
	go runGCLoop(ctx, "blob gc", func(ctx context.Context) (int64, error) {
		return blobs.GC(ctx, db.Pool)
	})
	go runGCLoop(ctx, "oauth gc", func(ctx context.Context) (int64, error) {
		return oauthStorage.GC(time.Now())
	})
	go runGCLoop(ctx, "firehose prune", func(ctx context.Context) (int64, error) {
		return persister.PruneOld(ctx)
	})

	if acct, err := accounts.Get(ctx); err == nil {
		if err := repos.InitRepo(ctx, db.Pool, acct.DID, acct.SigningKey); err != nil {
			log.Printf("Warning: failed to init repo for %s: %v", acct.DID, err)
		}
	} else {
		log.Printf("Warning: no account provisioned yet — run '%s init' first", os.Args[0])
	}

	srv := server.New(cfg, db.Pool, accounts, repos, eventsMgr, jwtMgr, blobs, oauthEngine)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("primal-pds stopped")
}

// runGCLoop runs fn every interval until ctx is cancelled, logging the
// number of rows affected. Errors are logged and do not stop the loop —
// a single failed GC pass is not worth crashing the server over.
func runGCLoop(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := fn(ctx)
			if err != nil {
				log.Printf("%s: error: %v", name, err)
				continue
			}
			if n > 0 {
				log.Printf("%s: removed %d", name, n)
			}
		}
	}
}

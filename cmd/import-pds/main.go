// import-pds imports this server's hosted account from another AT
// Protocol PDS by fetching its repository as a CAR export over
// com.atproto.sync.getRepo and replaying it into the local database via
// repo.Manager.ImportCAR.
//
// Usage:
//
//	import-pds -source https://bsky.social -did did:plc:abc123 \
//	           -signing-key <multibase> -db-conn "postgres://..."
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/primal-host/primal-pds/internal/database"
	"github.com/primal-host/primal-pds/internal/repo"
)

func main() {
	source := flag.String("source", "", "Source PDS URL (e.g., https://bsky.social)")
	did := flag.String("did", "", "DID of the repo to import")
	signingKey := flag.String("signing-key", "", "Multibase-encoded signing key for the imported repo")
	dbConn := flag.String("db-conn", "", "Target database connection string")
	flag.Parse()

	if *source == "" || *did == "" || *signingKey == "" || *dbConn == "" {
		log.Fatal("All flags are required: -source, -did, -signing-key, -db-conn")
	}

	ctx := context.Background()
	db, err := database.Open(ctx, *dbConn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	u := *source + "/xrpc/com.atproto.sync.getRepo?did=" + url.QueryEscape(*did)
	log.Printf("Fetching repo export from %s", u)

	resp, err := http.Get(u)
	if err != nil {
		log.Fatalf("Failed to fetch repo: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("getRepo returned %s", resp.Status)
	}

	repos := repo.NewManager(nil, nil)
	if err := repos.ImportCAR(ctx, db.Pool, *did, *signingKey, resp.Body); err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	fmt.Printf("Repo %s imported successfully\n", *did)
}

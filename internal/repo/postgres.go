package repo

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresRepo constructs a store using the provided DSN.
func NewPostgresRepo(dsn string) (*SQLRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &SQLRepo{db: db, dialect: dialectPostgres}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// PostgresDSNFromEnv builds a DSN from component env vars.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (shelfsync),
//	POSTGRES_USER (shelfsync), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
//
// Credentials and db name are URL-encoded to handle special characters safely.
func PostgresDSNFromEnv() string {
	host := getenv("POSTGRES_HOST", "postgres")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "shelfsync")
	user := getenv("POSTGRES_USER", "shelfsync")
	pass := getenv("POSTGRES_PASSWORD", "")
	ssl := getenv("POSTGRES_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	q := url.Values{}
	q.Set("sslmode", ssl)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

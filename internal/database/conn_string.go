package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/campusanon/chatsync/internal/config"
)

// ApplicationName tags archive sessions in pg_stat_activity.
const ApplicationName = "chatsync-archive"

// BuildConnString builds a PostgreSQL URL from cfg. Credentials are escaped.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

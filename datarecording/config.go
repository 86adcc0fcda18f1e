package datarecording

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RecorderConfig selects and configures a recording backend.
type RecorderConfig struct {
	// Type is the backend type, either "sqlite" (default) or "clickhouse".
	Type string

	// Path is the SQLite database path, without the ".sqlite3" suffix. If
	// empty, a unique file name is generated.
	Path string

	// ConnStr is a ClickHouse connection string, such as
	// "clickhouse://localhost:9000/shiba?username=default&password=secret".
	// If set, it takes precedence over the individual connection fields.
	ConnStr string

	// Individual ClickHouse connection parameters, used when ConnStr is
	// empty.
	Host     string
	Port     int
	Database string
	Username string
	Password string

	// BatchSize is the number of entries buffered before an automatic flush.
	// Zero selects the backend default.
	BatchSize int
}

// NewDataRecorderWithConfig creates a DataRecorder according to the given
// configuration.
func NewDataRecorderWithConfig(config RecorderConfig) DataRecorder {
	switch config.Type {
	case "", "sqlite":
		return New(config.Path)
	case "clickhouse":
		host := config.Host
		port := config.Port
		database := config.Database
		username := config.Username
		password := config.Password

		if config.ConnStr != "" {
			host, port, database, username, password =
				parseClickHouseConnStr(config.ConnStr)
		}

		return NewFastClickHouseRecorder(
			host, port, database, username, password, config.BatchSize)
	default:
		panic(fmt.Sprintf("unknown recorder type %q", config.Type))
	}
}

func parseClickHouseConnStr(connStr string) (
	host string,
	port int,
	database string,
	username string,
	password string,
) {
	u, err := url.Parse(connStr)
	if err != nil {
		panic(fmt.Errorf("invalid ClickHouse connection string: %w", err))
	}

	if u.Scheme != "clickhouse" {
		panic(fmt.Errorf(
			"invalid ClickHouse connection string scheme %q", u.Scheme))
	}

	host = u.Hostname()

	port = 9000
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			panic(fmt.Errorf("invalid ClickHouse port %q", p))
		}
	}

	database = strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	username = query.Get("username")
	password = query.Get("password")

	if u.User != nil {
		username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			password = pw
		}
	}

	return host, port, database, username, password
}

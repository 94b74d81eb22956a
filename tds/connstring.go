package tds

import (
	"strconv"
	"strings"
	"time"

	"github.com/mickamy/sqlnative/dberr"
)

// ParseConnectionString parses an ADO-style connection string
// ("Server=host,port;Database=db;User Id=u;Password=p;...") into a Config.
// Keys are case-insensitive; unknown keys are ignored.
func ParseConnectionString(s string) (Config, error) {
	cfg := Config{Port: defaultPort, Encrypt: EncryptPrefer}
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return Config{}, dberr.Unsupported("tds: connection string entry missing '=': " + pair)
		}
		key := strings.ToLower(strings.TrimSpace(pair[:eq]))
		val := strings.TrimSpace(pair[eq+1:])

		switch key {
		case "server", "data source":
			host, port, err := splitServer(val)
			if err != nil {
				return Config{}, err
			}
			cfg.Host = host
			if port != 0 {
				cfg.Port = port
			}
		case "database", "initial catalog":
			cfg.Database = val
		case "user id", "uid":
			cfg.Username = val
		case "password", "pwd":
			cfg.Password = val
		case "domain":
			cfg.Domain = val
		case "encrypt":
			mode, err := parseEncrypt(val)
			if err != nil {
				return Config{}, err
			}
			cfg.Encrypt = mode
		case "trustservercertificate":
			cfg.TrustServerCert = parseBool(val)
		case "connect timeout", "connection timeout":
			secs, err := strconv.Atoi(val)
			if err != nil {
				return Config{}, dberr.Unsupported("tds: invalid connect timeout: " + val)
			}
			cfg.ConnectTimeout = time.Duration(secs) * time.Second
		case "application intent":
			cfg.ReadOnly = strings.EqualFold(val, "ReadOnly")
		case "application name":
			cfg.AppName = val
		default:
			// Unknown keys are ignored, matching the usual driver
			// behavior for vendor-specific extensions.
		}
	}
	return cfg, nil
}

// splitServer handles "host" and "host,port" Server values.
func splitServer(val string) (host string, port int, err error) {
	host = val
	if comma := strings.IndexByte(val, ','); comma >= 0 {
		host = strings.TrimSpace(val[:comma])
		p, perr := strconv.Atoi(strings.TrimSpace(val[comma+1:]))
		if perr != nil {
			return "", 0, dberr.Unsupported("tds: invalid port in Server value: " + val)
		}
		port = p
	}
	return host, port, nil
}

func parseEncrypt(val string) (EncryptMode, error) {
	switch strings.ToLower(val) {
	case "true", "strict":
		return EncryptRequire, nil
	case "request":
		return EncryptPrefer, nil
	case "false", "disable":
		return EncryptDisable, nil
	default:
		return 0, dberr.Unsupported("tds: unrecognized Encrypt value: " + val)
	}
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

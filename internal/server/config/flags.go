package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/tokenvault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-b string   store backend ("postgres", "redis", "memory")
//	-d string   PostgreSQL DSN
//	-e string   Redis address (e.g., "127.0.0.1:6379")
//	-s string   JWT HMAC secret key
//	-t int      access token validity, minutes
//	-r int      refresh token validity, minutes
//	-m int      max active refresh tokens per owner
//	-w int      sweep interval, minutes
//	-u bool     set the Secure attribute on token cookies
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers in minutes and then converted
//     to time.Duration values.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-b", "-d", "-e", "-s", "-t", "-r", "-m", "-w", "-u"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.StoreBackend, "b", config.StoreBackend, "store backend")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.RedisAddr, "e", config.RedisAddr, "redis address")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	refreshTokenValidityDuration := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh_token_validity_duration (in minutes)")
	sweepInterval := fs.Int("w", int(config.SweepInterval.Minutes()), "sweep_interval (in minutes)")

	fs.IntVar(&config.MaxActiveTokensPerUser, "m", config.MaxActiveTokensPerUser, "max active refresh tokens per owner")
	fs.BoolVar(&config.SecureCookies, "u", config.SecureCookies, "secure cookies")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	config.RefreshTokenValidityDuration = time.Duration(*refreshTokenValidityDuration) * time.Minute
	config.SweepInterval = time.Duration(*sweepInterval) * time.Minute
}

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once in main and handed to each component. Nothing reads
// the environment after startup.
type Config struct {
	HTTPAddr string
	LogLevel string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTAlgorithm      string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	JWKSURL           string

	WebAuthnRPID                    string
	WebAuthnRPName                  string
	WebAuthnOrigin                  string
	WebAuthnRequireUserVerification bool
	WebAuthnChallengeTTL            time.Duration

	OAuthClientID         string
	OAuthClientSecret     string
	OAuthRedirectURIs     []string
	OAuthScopesSupported  []string
	OAuthTokenAuthMethods []string
	OAuthFrontendLoginURL string
	PublicBaseURL         string

	KafkaAddress string

	ESURL      string
	ESUser     string
	ESPassword string
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	cfg := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),

		JWTPrivateKeyPath: os.Getenv("JWT_PRIVATE_KEY_PATH"),
		JWTPublicKeyPath:  os.Getenv("JWT_PUBLIC_KEY_PATH"),
		JWTAlgorithm:      getEnv("JWT_ALGORITHM", "RS256"),
		AccessTokenTTL:    time.Duration(getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 30)) * time.Minute,
		RefreshTokenTTL:   time.Duration(getEnvInt("REFRESH_TOKEN_TTL_HOURS", 7*24)) * time.Hour,
		JWKSURL:           os.Getenv("JWKS_URL"),

		WebAuthnRPID:                    os.Getenv("WEBAUTHN_RP_ID"),
		WebAuthnRPName:                  getEnv("WEBAUTHN_RP_NAME", "ticketdesk"),
		WebAuthnOrigin:                  os.Getenv("WEBAUTHN_ORIGIN"),
		WebAuthnRequireUserVerification: getEnvBool("WEBAUTHN_REQUIRE_USER_VERIFICATION", false),
		WebAuthnChallengeTTL:            time.Duration(getEnvInt("WEBAUTHN_CHALLENGE_TTL_SECONDS", 300)) * time.Second,

		OAuthClientID:         os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret:     os.Getenv("OAUTH_CLIENT_SECRET"),
		OAuthRedirectURIs:     getEnvList("OAUTH_REDIRECT_URIS"),
		OAuthScopesSupported:  getEnvList("OAUTH_SCOPES_SUPPORTED"),
		OAuthTokenAuthMethods: getEnvList("OAUTH_TOKEN_AUTH_METHODS"),
		OAuthFrontendLoginURL: os.Getenv("OAUTH_FRONTEND_LOGIN_URL"),
		PublicBaseURL:         os.Getenv("PUBLIC_BASE_URL"),

		KafkaAddress: os.Getenv("KAFKA_ADDRESS"),

		ESURL:      os.Getenv("ES_URL"),
		ESUser:     os.Getenv("ES_USER"),
		ESPassword: os.Getenv("ES_PASSWORD"),
	}
	if len(cfg.OAuthTokenAuthMethods) == 0 {
		cfg.OAuthTokenAuthMethods = []string{"none"}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Notice: %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

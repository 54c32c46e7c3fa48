package config

const (
	EnvPrefix = "STEFNA"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv = "STEFNA_APP_ENV"
	EnvPort   = "STEFNA_APP_PORT"

	EnvDBDSN  = "STEFNA_DB_DSN"
	EnvDBHost = "STEFNA_DB_HOST"
	EnvDBUser = "STEFNA_DB_USER"
	EnvDBName = "STEFNA_DB_NAME"

	EnvRedisURL  = "STEFNA_REDIS_URL"
	EnvJWTSecret = "STEFNA_JWT_SECRET"

	EnvCreditsStartingBalance = "STEFNA_CREDITS_STARTING_BALANCE"
	EnvCreditsDailyCap        = "STEFNA_CREDITS_DAILY_CAP"
	EnvCreditsCostPro         = "STEFNA_CREDITS_COST_PRO"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

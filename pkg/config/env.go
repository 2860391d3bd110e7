package config

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// IsProductionLike returns true for staging and production.
func IsProductionLike(environment string) bool {
	return environment == EnvStaging || environment == EnvProduction
}

package config

// LoadFromEnv reads the process environment. Dev builds first merge
// .env.<role> and then .env; neither overrides variables already set.
func LoadFromEnv(role string) (Config, error) {
	if err := loadDotEnv(".env."+role, ".env"); err != nil {
		return Config{}, err
	}
	return Load(FromEnviron())
}

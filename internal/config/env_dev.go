//go:build dev

package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

func loadDotEnv(files ...string) error {
	present := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		present = append(present, file)
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

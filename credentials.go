package keypool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// CredentialPrefix names the numbered variables read by LoadCredentials.
const CredentialPrefix = "GOOGLE_API_KEY_"

// LoadCredentials reads GOOGLE_API_KEY_1, GOOGLE_API_KEY_2, ... stopping at the
// first gap. Process environment wins over envFile; a missing envFile is not an
// error. An empty result yields ErrNoCredentials.
func LoadCredentials(envFile string) ([]string, error) {
	return loadCredentials(envFile, CredentialPrefix, os.Getenv)
}

func loadCredentials(envFile, prefix string, getenv func(string) string) ([]string, error) {
	fileVals := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVals = vals
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	var keys []string
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			v = strings.TrimSpace(fileVals[name])
		}
		if v == "" {
			break
		}
		keys = append(keys, v)
	}
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	return keys, nil
}

package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type tokenRecord struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
}

// FilePersister returns a PersistFunc that writes the credential record to
// path after every successful refresh.
func FilePersister(path string) PersistFunc {
	return func(token Token) error {
		data, err := json.Marshal(tokenRecord{
			RefreshToken: token.RefreshToken,
			AccessToken:  token.AccessToken,
		})
		if err != nil {
			return err
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create token directory %s: %w", dir, err)
			}
		}
		return os.WriteFile(path, data, 0o600)
	}
}

// LoadTokenFile reads a previously persisted credential record.
func LoadTokenFile(path string) (Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, err
	}
	var record tokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return Token{}, fmt.Errorf("decode token file %s: %w", path, err)
	}
	return Token{
		RefreshToken: record.RefreshToken,
		AccessToken:  record.AccessToken,
	}, nil
}

// Package clientsettings persists the agent login (edge URL and token) in
// $HOME/.a2rok/config.yaml.
package clientsettings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	configDir  = ".a2rok"
	configName = "config"
	configType = "yaml"
)

type Settings struct {
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
	Email     string `mapstructure:"email"`
}

// Dir returns the directory holding the settings file.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	return filepath.Join(home, configDir), nil
}

// Path returns the settings file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configName+"."+configType), nil
}

// Load reads the saved settings. A missing file yields empty settings.
func Load() (Settings, error) {
	dir, err := Dir()
	if err != nil {
		return Settings{}, err
	}
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.Token = strings.TrimSpace(s.Token)
	s.Email = strings.TrimSpace(s.Email)
	return s, nil
}

// Save writes s, replacing any previous login.
func Save(s Settings) error {
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.Token = strings.TrimSpace(s.Token)
	if s.ServerURL == "" || s.Token == "" {
		return errors.New("server_url and token are required")
	}
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	v := viper.New()
	v.SetConfigType(configType)
	v.Set("server_url", s.ServerURL)
	v.Set("token", s.Token)
	v.Set("email", strings.TrimSpace(s.Email))
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// Clear removes the settings file.
func Clear() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove settings: %w", err)
	}
	return nil
}

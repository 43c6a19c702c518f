// Package seed loads the initial platform accounts, mission ladder and
// settings for a fresh campaign.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
)

//go:embed default.yaml
var defaultData []byte

type Mission struct {
	Type    claims.MissionType `yaml:"type"`
	Count   int                `yaml:"count"`
	Enabled *bool              `yaml:"enabled"`
}

type Data struct {
	PlatformAccounts []account.CreateInput `yaml:"platform_accounts"`
	Missions         []Mission             `yaml:"missions"`
	Settings         map[string]string     `yaml:"settings"`
}

func Parse(raw []byte) (Data, error) {
	var data Data
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("decode seed data: %w", err)
	}
	return data, nil
}

// Default returns the built-in seed.
func Default() Data {
	data, err := Parse(defaultData)
	if err != nil {
		panic(err)
	}
	return data
}

// Load reads path, or returns Default when path is empty.
func Load(path string) (Data, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Data{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(raw)
}

type Targets struct {
	Accounts account.Service
	Missions mission.Service
	Settings setting.Service
}

type Result struct {
	Accounts int
	Missions int
	Settings int
}

// Apply fills in whatever is missing: accounts for platforms that have none,
// the mission ladder when no missions exist, and unset settings. Existing
// data is never changed.
func Apply(ctx context.Context, data Data, targets Targets, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var result Result

	existingAccounts, err := targets.Accounts.List(ctx)
	if err != nil {
		return result, err
	}
	have := make(map[claims.Platform]bool, len(existingAccounts))
	for _, item := range existingAccounts {
		have[item.Platform] = true
	}
	for _, input := range data.PlatformAccounts {
		platform, err := claims.ParsePlatform(string(input.Platform))
		if err != nil {
			return result, fmt.Errorf("seed platform account: %w", err)
		}
		if have[platform] {
			continue
		}
		if _, err := targets.Accounts.Create(ctx, input); err != nil && !errors.Is(err, account.ErrExists) {
			return result, fmt.Errorf("seed %s account: %w", platform, err)
		}
		have[platform] = true
		result.Accounts++
	}

	existingMissions, err := targets.Missions.List(ctx)
	if err != nil {
		return result, err
	}
	if len(existingMissions) == 0 {
		for _, item := range data.Missions {
			input := mission.CreateInput{Type: item.Type, Count: item.Count, Enabled: item.Enabled}
			if _, err := targets.Missions.Create(ctx, input); err != nil {
				return result, fmt.Errorf("seed mission %d %s: %w", item.Count, item.Type, err)
			}
			result.Missions++
		}
	}

	existingSettings, err := targets.Settings.List(ctx)
	if err != nil {
		return result, err
	}
	set := make(map[string]bool, len(existingSettings))
	for _, item := range existingSettings {
		set[item.Key] = true
	}
	keys := make([]string, 0, len(data.Settings))
	for key := range data.Settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if set[key] {
			continue
		}
		if _, err := targets.Settings.Upsert(ctx, key, data.Settings[key]); err != nil {
			return result, fmt.Errorf("seed setting %s: %w", key, err)
		}
		result.Settings++
	}

	logger.Info("seed applied",
		zap.Int("accounts", result.Accounts),
		zap.Int("missions", result.Missions),
		zap.Int("settings", result.Settings),
	)
	return result, nil
}

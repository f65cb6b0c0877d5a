package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/chat-stream/internal/ai"
	"github.com/suPer8Hu/chat-stream/internal/logger"
)

var ErrInvalid = errors.New("settings: invalid value")

// Preferences is what a turn needs from the caller's settings, with the key already opened.
type Preferences struct {
	Provider     string
	Model        string
	SystemPrompt string
	Temperature  *float32
	Credential   ai.Credential
}

// View is the client facing shape; the key itself is never returned.
type View struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float32 `json:"temperature"`
	HasAPIKey    bool     `json:"has_api_key"`
}

// Update applies only the non-nil fields. An empty APIKey clears the stored key.
type Update struct {
	Provider     *string  `json:"provider"`
	Model        *string  `json:"model"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float32 `json:"temperature"`
	APIKey       *string  `json:"api_key"`
}

type Service struct {
	repo      *Repo
	sealer    *Sealer
	providers map[string]struct{}
	log       *logger.Logger
}

// NewService accepts a nil sealer; storing an API key then fails with ErrSealerDisabled.
func NewService(repo *Repo, sealer *Sealer, providers []string, log *logger.Logger) *Service {
	known := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		known[strings.ToLower(p)] = struct{}{}
	}
	return &Service{repo: repo, sealer: sealer, providers: known, log: log.With("component", "settings")}
}

func (s *Service) Preferences(ctx context.Context, userID uint64) (Preferences, error) {
	us, err := s.repo.Get(ctx, userID)
	if err != nil {
		return Preferences{}, fmt.Errorf("load settings: %w", err)
	}
	if us == nil {
		return Preferences{}, nil
	}
	p := Preferences{
		Provider:     us.Provider,
		Model:        us.Model,
		SystemPrompt: us.SystemPrompt,
		Temperature:  us.Temperature,
	}
	if len(us.EncryptedAPIKey) > 0 {
		if s.sealer == nil {
			s.log.Warn("stored api key cannot be opened without SETTINGS_KEY", "user_id", userID)
			return p, nil
		}
		key, err := s.sealer.Open(us.EncryptedAPIKey)
		if err != nil {
			return Preferences{}, err
		}
		p.Credential = ai.Credential{APIKey: key}
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, userID uint64) (View, error) {
	us, err := s.repo.Get(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("load settings: %w", err)
	}
	if us == nil {
		return View{}, nil
	}
	return toView(us), nil
}

func (s *Service) Apply(ctx context.Context, userID uint64, u Update) (View, error) {
	us, err := s.repo.Get(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("load settings: %w", err)
	}
	if us == nil {
		us = &UserSettings{UserID: userID}
	}

	if u.Provider != nil {
		p := strings.ToLower(strings.TrimSpace(*u.Provider))
		if p != "" {
			if _, ok := s.providers[p]; !ok {
				return View{}, fmt.Errorf("%w: unknown provider %q", ErrInvalid, p)
			}
		}
		us.Provider = p
	}
	if u.Model != nil {
		m := strings.TrimSpace(*u.Model)
		if len(m) > 128 {
			return View{}, fmt.Errorf("%w: model name too long", ErrInvalid)
		}
		us.Model = m
	}
	if u.SystemPrompt != nil {
		us.SystemPrompt = *u.SystemPrompt
	}
	if u.Temperature != nil {
		if *u.Temperature < 0 || *u.Temperature > 2 {
			return View{}, fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalid)
		}
		t := *u.Temperature
		us.Temperature = &t
	}
	if u.APIKey != nil {
		key := strings.TrimSpace(*u.APIKey)
		if key == "" {
			us.EncryptedAPIKey = nil
		} else {
			if s.sealer == nil {
				return View{}, ErrSealerDisabled
			}
			sealed, err := s.sealer.Seal(key)
			if err != nil {
				return View{}, fmt.Errorf("seal api key: %w", err)
			}
			us.EncryptedAPIKey = sealed
		}
	}

	if err := s.repo.Upsert(ctx, us); err != nil {
		return View{}, fmt.Errorf("save settings: %w", err)
	}
	return toView(us), nil
}

func toView(us *UserSettings) View {
	return View{
		Provider:     us.Provider,
		Model:        us.Model,
		SystemPrompt: us.SystemPrompt,
		Temperature:  us.Temperature,
		HasAPIKey:    len(us.EncryptedAPIKey) > 0,
	}
}

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dotcommander/wenshape/internal/domain"
)

func cardPath(dir, name string) (string, error) {
	token, err := SanitizeID(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, token+".yaml"), nil
}

func listCardNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing %s: %v", ErrStorage, dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// ListCharacters returns all character card names.
func (s *ProjectStore) ListCharacters() ([]string, error) {
	return listCardNames(s.layout.CharacterCardsDir())
}

// GetCharacter loads one character card. Stars defaults to 1.
func (s *ProjectStore) GetCharacter(name string) (domain.CharacterCard, error) {
	path, err := cardPath(s.layout.CharacterCardsDir(), name)
	if err != nil {
		return domain.CharacterCard{}, err
	}
	var card domain.CharacterCard
	if err := readYAML(path, &card); err != nil {
		return domain.CharacterCard{}, err
	}
	if card.Stars < 1 {
		card.Stars = 1
	}
	if card.Stars > 3 {
		card.Stars = 3
	}
	return card, nil
}

// SaveCharacter writes a character card atomically.
func (s *ProjectStore) SaveCharacter(ctx context.Context, card domain.CharacterCard) error {
	if strings.TrimSpace(card.Name) == "" {
		return fmt.Errorf("%w: character card requires a name", ErrValidation)
	}
	if card.Stars < 1 {
		card.Stars = 1
	}
	if card.Stars > 3 {
		card.Stars = 3
	}
	path, err := cardPath(s.layout.CharacterCardsDir(), card.Name)
	if err != nil {
		return err
	}
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, card)
	})
}

// DeleteCharacter removes a character card.
func (s *ProjectStore) DeleteCharacter(ctx context.Context, name string) error {
	path, err := cardPath(s.layout.CharacterCardsDir(), name)
	if err != nil {
		return err
	}
	return s.withLock(ctx, path, func() error {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: character %s", ErrNotFound, name)
			}
			return fmt.Errorf("%w: deleting %s: %v", ErrStorage, path, err)
		}
		return nil
	})
}

// ListWorldCards returns all world card names.
func (s *ProjectStore) ListWorldCards() ([]string, error) {
	return listCardNames(s.layout.WorldCardsDir())
}

// GetWorldCard loads one world card. Stars defaults to 1.
func (s *ProjectStore) GetWorldCard(name string) (domain.WorldCard, error) {
	path, err := cardPath(s.layout.WorldCardsDir(), name)
	if err != nil {
		return domain.WorldCard{}, err
	}
	var card domain.WorldCard
	if err := readYAML(path, &card); err != nil {
		return domain.WorldCard{}, err
	}
	if card.Stars < 1 {
		card.Stars = 1
	}
	if card.Stars > 3 {
		card.Stars = 3
	}
	return card, nil
}

// SaveWorldCard writes a world card atomically.
func (s *ProjectStore) SaveWorldCard(ctx context.Context, card domain.WorldCard) error {
	if strings.TrimSpace(card.Name) == "" {
		return fmt.Errorf("%w: world card requires a name", ErrValidation)
	}
	if card.Stars < 1 {
		card.Stars = 1
	}
	if card.Stars > 3 {
		card.Stars = 3
	}
	path, err := cardPath(s.layout.WorldCardsDir(), card.Name)
	if err != nil {
		return err
	}
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, card)
	})
}

// DeleteWorldCard removes a world card.
func (s *ProjectStore) DeleteWorldCard(ctx context.Context, name string) error {
	path, err := cardPath(s.layout.WorldCardsDir(), name)
	if err != nil {
		return err
	}
	return s.withLock(ctx, path, func() error {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: world card %s", ErrNotFound, name)
			}
			return fmt.Errorf("%w: deleting %s: %v", ErrStorage, path, err)
		}
		return nil
	})
}

// GetStyleCard loads the singleton style card.
func (s *ProjectStore) GetStyleCard() (domain.StyleCard, error) {
	var card domain.StyleCard
	if err := readYAML(s.layout.StyleCardPath(), &card); err != nil {
		return domain.StyleCard{}, err
	}
	return card, nil
}

// SaveStyleCard writes the singleton style card.
func (s *ProjectStore) SaveStyleCard(ctx context.Context, card domain.StyleCard) error {
	path := s.layout.StyleCardPath()
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, card)
	})
}

package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/storage"
)

// UniverseService registers and reads the universes tasks operate on.
type UniverseService struct {
	store  storage.Store
	logger Logger
}

func NewUniverseService(store storage.Store, logger Logger) *UniverseService {
	return &UniverseService{store: store, logger: logger}
}

// Create registers an unlocked universe at version 1.
func (us *UniverseService) Create(name string) (u models.Universe, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Universe{}, fmt.Errorf("universe name is required")
	}
	txStore, err := us.store.Begin()
	if err != nil {
		us.logger.Errorf("Failed to begin transaction: %v", err)
		return models.Universe{}, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				us.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			us.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	u = models.Universe{ID: uuid.New(), Name: name, Version: 1}
	if err = txStore.SaveUniverse(u); err != nil {
		us.logger.Errorf("Failed to save universe %s: %v", name, err)
		return models.Universe{}, fmt.Errorf("failed to save universe: %w", err)
	}
	us.logger.Infof("Created universe %s (%s)", name, u.ID)
	return u, nil
}

func (us *UniverseService) Get(id uuid.UUID) (models.Universe, error) {
	return us.store.GetUniverse(id)
}

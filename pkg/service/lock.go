package service

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/storage"
	"github.com/pkg/errors"
)

// UniverseLock is the optimistic version + busy-flag gate that admits at most
// one top-level task per universe.
type UniverseLock struct {
	store  storage.Store
	logger Logger
}

func NewUniverseLock(store storage.Store, logger Logger) *UniverseLock {
	return &UniverseLock{store: store, logger: logger}
}

// Lock claims the universe. expectedVersion models.SkipVersionCheck skips the
// version check, force skips the busy check. The claim is committed before
// Lock returns.
func (l *UniverseLock) Lock(universeID uuid.UUID, expectedVersion int, force bool) (u models.Universe, err error) {
	txStore, err := l.store.Begin()
	if err != nil {
		return models.Universe{}, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				l.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			l.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	u, err = txStore.LockUniverse(universeID, expectedVersion, force)
	if errors.Is(err, storage.ErrLockConflict) {
		l.logger.Infof("Universe %s could not be locked: %v", universeID, err)
		return models.Universe{}, fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
	}
	if err != nil {
		return models.Universe{}, errors.Wrapf(err, "failed to lock universe %s", universeID)
	}
	l.logger.Infof("Locked universe %s at version %d", universeID, u.Version)
	return u, nil
}

// Unlock clears the busy flag and bumps the version.
func (l *UniverseLock) Unlock(universeID uuid.UUID) (u models.Universe, err error) {
	txStore, err := l.store.Begin()
	if err != nil {
		return models.Universe{}, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				l.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			l.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	u, err = txStore.UnlockUniverse(universeID)
	if err != nil {
		return models.Universe{}, errors.Wrapf(err, "failed to unlock universe %s", universeID)
	}
	l.logger.Infof("Unlocked universe %s, version is now %d", universeID, u.Version)
	return u, nil
}

// WithLock runs fn while holding the universe lock. The lock is released on
// every exit path of fn, panics included; a failed release is retried once and
// then only logged, so it never replaces the error of fn.
func (l *UniverseLock) WithLock(universeID uuid.UUID, expectedVersion int, force bool, fn func(u models.Universe) error) error {
	u, err := l.Lock(universeID, expectedVersion, force)
	if err != nil {
		return err
	}
	defer l.release(universeID)
	return fn(u)
}

func (l *UniverseLock) release(universeID uuid.UUID) {
	if _, err := l.Unlock(universeID); err != nil {
		l.logger.Errorf("Failed to unlock universe %s, retrying: %v", universeID, err)
		if _, err := l.Unlock(universeID); err != nil {
			l.logger.Errorf("Giving up unlocking universe %s: %v", universeID, err)
		}
	}
}

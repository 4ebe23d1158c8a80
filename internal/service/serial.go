package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/robcowart/ocm-ca/internal/crypto"
	"github.com/robcowart/ocm-ca/internal/database"
)

const maxSerialAttempts = 8

// SerialRegistry permanently records allocated serial numbers
type SerialRegistry interface {
	ReserveSerial(ctx context.Context, serial string, at time.Time) error
}

// SerialAllocator hands out random 128-bit serial numbers that have never been
// used before, including by certificates that were later deleted.
type SerialAllocator struct {
	mu       sync.Mutex
	registry SerialRegistry
	generate func() (*big.Int, error)
	now      func() time.Time
}

// NewSerialAllocator creates an allocator backed by registry
func NewSerialAllocator(registry SerialRegistry) *SerialAllocator {
	return &SerialAllocator{
		registry: registry,
		generate: crypto.GenerateSerialNumber,
		now:      time.Now,
	}
}

// Next reserves and returns a fresh serial number with its canonical hex form
func (a *SerialAllocator) Next(ctx context.Context) (*big.Int, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxSerialAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", internalError("serial allocation cancelled", err)
		}

		n, err := a.generate()
		if err != nil {
			return nil, "", internalError("failed to generate serial number", err)
		}
		serial := crypto.FormatSerial(n)

		err = a.registry.ReserveSerial(ctx, serial, a.now().UTC())
		if err == nil {
			return n, serial, nil
		}
		if !errors.Is(err, database.ErrDuplicate) {
			return nil, "", internalError("failed to reserve serial number", err)
		}
	}
	return nil, "", internalError("failed to allocate a unique serial number", nil)
}

package paymentstore

import (
	"context"
	"sync"

	"booking-saga/internal/domain/payment"
)

type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]payment.Payment
	byKey    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]payment.Payment),
		byKey:    make(map[string]string),
	}
}

func (m *MemoryStore) Save(_ context.Context, p *payment.Payment) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[p.IdempotencyKey]; ok {
		stored := m.payments[id]
		return &stored, nil
	}
	m.payments[p.PaymentID] = *p
	m.byKey[p.IdempotencyKey] = p.PaymentID
	return p, nil
}

func (m *MemoryStore) Update(_ context.Context, p *payment.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.PaymentID]; !ok {
		return payment.ErrPaymentNotFound
	}
	m.payments[p.PaymentID] = *p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return &p, nil
}

func (m *MemoryStore) FindByKey(ctx context.Context, key string) (*payment.Payment, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return m.Get(ctx, id)
}

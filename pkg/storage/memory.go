package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Memory is a Storage held in process memory.
type Memory struct {
	mu       sync.RWMutex
	products map[string]*models.Product
}

func NewMemory() *Memory {
	return &Memory{products: map[string]*models.Product{}}
}

func (m *Memory) Store(_ context.Context, product *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := product.ID.String()
	if _, ok := m.products[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrAlreadyInStorage)
	}
	m.products[key] = copyProduct(product)
	return nil
}

func (m *Memory) Get(_ context.Context, id models.ProductID) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return copyProduct(p), nil
}

func (m *Memory) Remove(_ context.Context, id models.ProductID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id.String())
	return nil
}

func copyProduct(p *models.Product) *models.Product {
	c := *p
	c.Properties = make(map[string]string, len(p.Properties))
	for k, v := range p.Properties {
		c.Properties[k] = v
	}
	c.Links = make(map[string][]string, len(p.Links))
	for k, v := range p.Links {
		c.Links[k] = append([]string(nil), v...)
	}
	return &c
}

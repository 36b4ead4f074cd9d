package consent

import (
	"fmt"
	"sync"
)

// Modal is the authorization surface for one service. Opening it resets the
// selection to every permission id of the service.
type Modal struct {
	catalog   Catalog
	selection *Selection

	open       bool
	serviceKey string
	mu         sync.Mutex
}

func NewModal(catalog Catalog, selection *Selection) *Modal {
	return &Modal{
		catalog:   catalog,
		selection: selection,
	}
}

func (m *Modal) Open(serviceKey string) error {
	if _, ok := m.catalog[serviceKey]; !ok {
		return fmt.Errorf("unknown service '%s'", serviceKey)
	}

	m.mu.Lock()
	m.open = true
	m.serviceKey = serviceKey
	m.mu.Unlock()

	m.selection.SetSelectedConsents(m.catalog.ConsentIDs(serviceKey))
	return nil
}

func (m *Modal) Close() {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
}

func (m *Modal) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// ServiceKey returns the service the modal was last opened for.
func (m *Modal) ServiceKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceKey
}

// AllConsentIDs returns every permission id of the active service.
func (m *Modal) AllConsentIDs() []string {
	return m.catalog.ConsentIDs(m.ServiceKey())
}

func (m *Modal) Selection() *Selection {
	return m.selection
}

func (m *Modal) Catalog() Catalog {
	return m.catalog
}

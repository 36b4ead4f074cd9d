package consent

import (
	"slices"

	"github.com/matheuscscp/open-finance-portal/internal/config"
)

// Catalog describes the services a user can authorize and the permission
// ids each of them requests.
type Catalog map[string]*config.ServiceConfig

// ConsentIDs flattens the permission ids of a service: the base consent id
// first, then the ids of each sub-service in order, without duplicates.
func (c Catalog) ConsentIDs(serviceKey string) []string {
	svc, ok := c[serviceKey]
	if !ok || svc == nil {
		return nil
	}
	var ids []string
	if svc.BaseConsentID != "" {
		ids = append(ids, svc.BaseConsentID)
	}
	for _, sub := range svc.SubServices {
		for _, id := range sub.ConsentIDs {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (c Catalog) Title(serviceKey string) string {
	if svc, ok := c[serviceKey]; ok && svc != nil {
		return svc.Title
	}
	return ""
}

// SubServiceConsentIDs returns the permission ids of one sub-service.
func (c Catalog) SubServiceConsentIDs(serviceKey, subServiceID string) ([]string, bool) {
	svc, ok := c[serviceKey]
	if !ok || svc == nil {
		return nil, false
	}
	for _, sub := range svc.SubServices {
		if sub.ID == subServiceID {
			return sub.ConsentIDs, true
		}
	}
	return nil, false
}

package atc

import (
	"github.com/shimmeringbee/persistence"
	"sort"
)

const (
	deviceSectionKey = "Device"
	productTypeKey   = "ProductType"
)

func (h *Hub) sectionForDevice(id string) persistence.Section {
	return h.section.Section(deviceSectionKey, id)
}

func (h *Hub) sectionDeviceExists(id string) bool {
	return h.section.Section(deviceSectionKey).SectionExists(id)
}

func (h *Hub) sectionRemoveDevice(id string) bool {
	return h.section.Section(deviceSectionKey).SectionDelete(id)
}

func (h *Hub) deviceListFromPersistence() []string {
	ids := h.section.Section(deviceSectionKey).SectionKeys()
	sort.Strings(ids)
	return ids
}

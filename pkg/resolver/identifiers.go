package resolver

import (
	"encoding/json"

	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/normalizers"
)

// deriveIdentifiers normalizes whatever usable identifiers the bundle
// carries for its kind. Unusable values (empty after normalization, partial
// microchip reads) are skipped, never indexed.
func deriveIdentifiers(bundle models.AttributeBundle) []models.Identifier {
	source := bundle.SourceSystem
	var idents []models.Identifier

	add := func(idType models.IdentifierType, raw, normalized string) {
		if normalized == "" {
			return
		}
		idents = append(idents, models.Identifier{
			IDType:          idType,
			NormalizedValue: normalized,
			RawValue:        raw,
			SourceSystem:    &source,
			Confidence:      idType.DefaultConfidence(),
		})
	}

	if bundle.ExternalID != "" {
		// External ids are only unique within their source system, so the
		// indexed value is prefixed with it.
		add(models.IdentifierTypeExternalSystemID, bundle.ExternalID, bundle.SourceSystem+":"+bundle.ExternalID)
	}

	switch bundle.Kind {
	case models.EntityKindPerson:
		add(models.IdentifierTypeEmail, bundle.Email, normalizers.Email(bundle.Email))
		add(models.IdentifierTypePhone, bundle.Phone, normalizers.Phone(bundle.Phone))
	case models.EntityKindAnimal:
		add(models.IdentifierTypeMicrochip, bundle.Microchip, normalizers.Microchip(bundle.Microchip))
	case models.EntityKindPlace:
		add(models.IdentifierTypeNormalizedAddress, bundle.Address, normalizers.Address(bundle.Address))
	}

	return idents
}

// dataMap flattens the bundle into the map the entity's data column and
// fingerprint are built from
func dataMap(bundle models.AttributeBundle) map[string]any {
	data := make(map[string]any, len(bundle.Attributes)+5)
	for k, v := range bundle.Attributes {
		data[k] = v
	}
	if bundle.Name != "" {
		data["name"] = bundle.Name
	}
	if bundle.Email != "" {
		data["email"] = bundle.Email
	}
	if bundle.Phone != "" {
		data["phone"] = bundle.Phone
	}
	if bundle.Address != "" {
		data["address"] = bundle.Address
	}
	if bundle.Microchip != "" {
		data["microchip"] = bundle.Microchip
	}
	return data
}

// buildData serializes the entity data payload and scores how complete the
// bundle's core fields are for this kind
func buildData(bundle models.AttributeBundle) (json.RawMessage, *float64) {
	data, _ := json.Marshal(dataMap(bundle))

	var core []string
	switch bundle.Kind {
	case models.EntityKindPerson:
		core = []string{bundle.Name, bundle.Email, bundle.Phone, bundle.Address}
	case models.EntityKindAnimal:
		core = []string{bundle.Name, bundle.Microchip}
	case models.EntityKindPlace:
		core = []string{bundle.Address}
	}

	filled := 0
	for _, v := range core {
		if v != "" {
			filled++
		}
	}
	quality := 0.0
	if len(core) > 0 {
		quality = float64(filled) / float64(len(core))
	}
	return data, &quality
}

// displayName picks the human-facing label for a new entity
func displayName(bundle models.AttributeBundle) string {
	if bundle.Name != "" {
		return bundle.Name
	}
	if bundle.Kind == models.EntityKindPlace && bundle.Address != "" {
		return bundle.Address
	}
	if bundle.Email != "" {
		return bundle.Email
	}
	return bundle.SourceSystem + "/" + bundle.SourceRecordID
}

package models

import (
	"fmt"
	"strings"
)

// VehiclePayload is the normalized vehicle snapshot carried by a posting
// task. Optional fields use pointers so "unset" is distinguishable from an
// empty string; automation-layer defaults are applied later, never here.
type VehiclePayload struct {
	VehicleType   *string  `json:"vehicle_type,omitempty"`
	Year          *int     `json:"year,omitempty"`
	Make          *string  `json:"make,omitempty"`
	Model         *string  `json:"model,omitempty"`
	Price         *int     `json:"price,omitempty"`
	Mileage       *int     `json:"mileage,omitempty"`
	VIN           *string  `json:"vin,omitempty"`
	BodyStyle     *string  `json:"body_style,omitempty"`
	FuelType      *string  `json:"fuel_type,omitempty"`
	Transmission  *string  `json:"transmission,omitempty"`
	ExteriorColor *string  `json:"exterior_color,omitempty"`
	InteriorColor *string  `json:"interior_color,omitempty"`
	Condition     *string  `json:"condition,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Location      *string  `json:"location,omitempty"`
	Photos        []string `json:"photos,omitempty"`
}

// Normalize trims whitespace on text fields, uppercases the VIN, and drops
// fields whose cleaned value is empty. It does not apply defaults.
func (p *VehiclePayload) Normalize() {
	p.VehicleType = cleanText(p.VehicleType)
	p.Make = cleanText(p.Make)
	p.Model = cleanText(p.Model)
	p.BodyStyle = cleanText(p.BodyStyle)
	p.FuelType = cleanText(p.FuelType)
	p.Transmission = cleanText(p.Transmission)
	p.ExteriorColor = cleanText(p.ExteriorColor)
	p.InteriorColor = cleanText(p.InteriorColor)
	p.Condition = cleanText(p.Condition)
	p.Location = cleanText(p.Location)

	// Descriptions keep internal line breaks; only outer whitespace goes.
	if p.Description != nil {
		d := strings.TrimSpace(*p.Description)
		if d == "" {
			p.Description = nil
		} else {
			p.Description = &d
		}
	}

	if p.VIN != nil {
		vin := strings.ToUpper(strings.TrimSpace(*p.VIN))
		if vin == "" {
			p.VIN = nil
		} else {
			p.VIN = &vin
		}
	}
	if p.Year != nil && *p.Year <= 0 {
		p.Year = nil
	}
	if p.Price != nil && *p.Price < 0 {
		p.Price = nil
	}
	if p.Mileage != nil && *p.Mileage < 0 {
		p.Mileage = nil
	}

	photos := p.Photos[:0]
	for _, u := range p.Photos {
		if u = strings.TrimSpace(u); u != "" {
			photos = append(photos, u)
		}
	}
	p.Photos = photos
}

// Field returns the payload value for a field category as display text, and
// whether the caller supplied one.
func (p VehiclePayload) Field(category string) (string, bool) {
	switch category {
	case FieldVehicleType:
		return fromPtr(p.VehicleType)
	case FieldYear:
		if p.Year == nil {
			return "", false
		}
		return fmt.Sprintf("%d", *p.Year), true
	case FieldMake:
		return fromPtr(p.Make)
	case FieldModel:
		return fromPtr(p.Model)
	case FieldPrice:
		if p.Price == nil {
			return "", false
		}
		return fmt.Sprintf("%d", *p.Price), true
	case FieldMileage:
		if p.Mileage == nil {
			return "", false
		}
		return fmt.Sprintf("%d", *p.Mileage), true
	case FieldVIN:
		return fromPtr(p.VIN)
	case FieldBodyStyle:
		return fromPtr(p.BodyStyle)
	case FieldFuelType:
		return fromPtr(p.FuelType)
	case FieldTransmission:
		return fromPtr(p.Transmission)
	case FieldExteriorColor:
		return fromPtr(p.ExteriorColor)
	case FieldInteriorColor:
		return fromPtr(p.InteriorColor)
	case FieldCondition:
		return fromPtr(p.Condition)
	case FieldDescription:
		return fromPtr(p.Description)
	case FieldLocation:
		return fromPtr(p.Location)
	}
	return "", false
}

// Field categories shared by the payload, the resolution rules, and the
// fallback table.
const (
	FieldVehicleType   = "vehicle_type"
	FieldYear          = "year"
	FieldMake          = "make"
	FieldModel         = "model"
	FieldPrice         = "price"
	FieldMileage       = "mileage"
	FieldVIN           = "vin"
	FieldBodyStyle     = "body_style"
	FieldFuelType      = "fuel_type"
	FieldTransmission  = "transmission"
	FieldExteriorColor = "exterior_color"
	FieldInteriorColor = "interior_color"
	FieldCondition     = "condition"
	FieldDescription   = "description"
	FieldLocation      = "location"
)

func cleanText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.Join(strings.Fields(*s), " ")
	if v == "" {
		return nil
	}
	return &v
}

func fromPtr(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	return *s, true
}

// StringPtr is a convenience for building payloads.
func StringPtr(s string) *string { return &s }

// IntPtr is a convenience for building payloads.
func IntPtr(i int) *int { return &i }

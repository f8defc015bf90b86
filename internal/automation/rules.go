// Package automation drives the marketplace listing form. The engine is
// written against small Page/Element interfaces so the matching, cascade,
// and outcome logic are testable without a live browser; the rod driver
// in rod.go binds them to a real one.
package automation

import "dealer-posting-engine/internal/models"

// Control kinds a form field can resolve to.
const (
	ControlText      = "text"
	ControlDropdown  = "dropdown"
	ControlTextarea  = "textarea"
	ControlTypeahead = "typeahead"
)

// Rule binds one payload field to the form control that accepts it.
// Labels are tried in order; Fallback is a safe literal used when the
// payload value cannot be matched in a dropdown panel.
type Rule struct {
	Field    string
	Labels   []string
	Control  string
	Critical bool
	Fallback string
}

// criticalFields are the ones a listing cannot publish without.
var criticalFields = map[string]bool{
	models.FieldVehicleType: true,
	models.FieldYear:        true,
	models.FieldMake:        true,
	models.FieldModel:       true,
	models.FieldPrice:       true,
}

// Rules is the resolution table in fill order. Dropdowns go first so the
// form reveals dependent fields before the engine reaches them.
var Rules = []Rule{
	{
		Field:    models.FieldVehicleType,
		Labels:   []string{"Vehicle type"},
		Control:  ControlDropdown,
		Critical: true,
		Fallback: "Car/Truck",
	},
	{
		Field:    models.FieldYear,
		Labels:   []string{"Year"},
		Control:  ControlDropdown,
		Critical: true,
		Fallback: "2020",
	},
	{
		Field:    models.FieldMake,
		Labels:   []string{"Make"},
		Control:  ControlDropdown,
		Critical: true,
		Fallback: "Other",
	},
	{
		Field:    models.FieldModel,
		Labels:   []string{"Model"},
		Control:  ControlText,
		Critical: true,
	},
	{
		Field:    models.FieldPrice,
		Labels:   []string{"Price"},
		Control:  ControlText,
		Critical: true,
	},
	{
		Field:   models.FieldMileage,
		Labels:  []string{"Mileage"},
		Control: ControlText,
	},
	{
		Field:    models.FieldBodyStyle,
		Labels:   []string{"Body style"},
		Control:  ControlDropdown,
		Fallback: "Other",
	},
	{
		Field:    models.FieldExteriorColor,
		Labels:   []string{"Exterior color", "Exterior colour"},
		Control:  ControlDropdown,
		Fallback: "Unknown",
	},
	{
		Field:    models.FieldInteriorColor,
		Labels:   []string{"Interior color", "Interior colour"},
		Control:  ControlDropdown,
		Fallback: "Unknown",
	},
	{
		Field:    models.FieldFuelType,
		Labels:   []string{"Fuel type"},
		Control:  ControlDropdown,
		Fallback: "Other",
	},
	{
		Field:    models.FieldTransmission,
		Labels:   []string{"Transmission"},
		Control:  ControlDropdown,
		Fallback: "Automatic transmission",
	},
	{
		Field:    models.FieldCondition,
		Labels:   []string{"Vehicle condition", "Condition"},
		Control:  ControlDropdown,
		Fallback: "Good",
	},
	{
		Field:   models.FieldVIN,
		Labels:  []string{"VIN"},
		Control: ControlText,
	},
	{
		Field:   models.FieldDescription,
		Labels:  []string{"Description"},
		Control: ControlTextarea,
	},
	{
		Field:   models.FieldLocation,
		Labels:  []string{"Location"},
		Control: ControlTypeahead,
	},
}

// IsCritical reports whether failing to fill field dooms the attempt.
func IsCritical(field string) bool {
	return criticalFields[field]
}

// Package mapper converts local hospital records into complete FHIR R4
// documents. These mappers are the fallback path used when no declarative
// sync rule covers a record type, and the source of the documents enqueued
// by change capture and bulk sync.
package mapper

import (
	"encoding/json"
	"fmt"

	"github.com/carelink/fhirbridge/internal/fhir/r4"
	"github.com/carelink/fhirbridge/internal/hms"
)

// ResourceType returns the FHIR resource type a local record model syncs to.
func ResourceType(model string) (string, bool) {
	rt, ok := modelResourceTypes[model]
	return rt, ok
}

var modelResourceTypes = map[string]string{
	hms.ModelPatient:      "Patient",
	hms.ModelPractitioner: "Practitioner",
	hms.ModelEncounter:    "Encounter",
	hms.ModelObservation:  "Observation",
	hms.ModelCondition:    "Condition",
	hms.ModelMedication:   "MedicationStatement",
	hms.ModelAllergy:      "AllergyIntolerance",
	hms.ModelProcedure:    "Procedure",
	hms.ModelImmunization: "Immunization",
}

// Map dispatches a record to its resource mapper and returns the marshaled
// FHIR document.
func Map(rec hms.Record) (json.RawMessage, error) {
	var doc any
	switch r := rec.(type) {
	case *hms.Patient:
		doc = MapPatient(r)
	case *hms.Practitioner:
		doc = MapPractitioner(r)
	case *hms.Encounter:
		doc = MapEncounter(r)
	case *hms.Observation:
		doc = MapObservation(r)
	case *hms.Condition:
		doc = MapCondition(r)
	case *hms.Medication:
		doc = MapMedication(r)
	case *hms.Allergy:
		doc = MapAllergy(r)
	case *hms.Procedure:
		doc = MapProcedure(r)
	case *hms.Immunization:
		doc = MapImmunization(r)
	default:
		// Records without a typed mapper (e.g. reconstructed from a change
		// event) carry their flat field snapshot; a sync rule rebuilds the
		// document at delivery time.
		doc = rec.Fields()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal %s document: %w", rec.Model(), err)
	}
	return data, nil
}

// NormalizeGender maps local gender codes onto FHIR administrative gender.
func NormalizeGender(g string) string {
	switch g {
	case "M", "m", "male":
		return r4.GenderMale
	case "F", "f", "female":
		return r4.GenderFemale
	case "O", "o", "other":
		return r4.GenderOther
	case "":
		return ""
	default:
		return r4.GenderUnknown
	}
}

// MapPatient assembles the full Patient document: MRN identifier, structured
// name, telecom, address, marital status, language, deceased status, and
// next-of-kin contact.
func MapPatient(p *hms.Patient) *r4.Patient {
	doc := &r4.Patient{
		ResourceType: "Patient",
		ID:           p.ResourceID(),
		Active:       true,
		Gender:       NormalizeGender(p.Gender),
	}

	if p.MRN != "" {
		doc.Identifier = append(doc.Identifier, r4.Identifier{
			Use: "official",
			Type: &r4.CodeableConcept{
				Coding: []r4.Coding{{
					System:  r4.SystemIdentifierType,
					Code:    "MR",
					Display: "Medical record number",
				}},
			},
			System: r4.SystemMRN,
			Value:  p.MRN,
		})
	}

	name := r4.HumanName{Use: "official", Family: p.LastName}
	if p.FirstName != "" {
		name.Given = append(name.Given, p.FirstName)
	}
	if p.MiddleName != "" {
		name.Given = append(name.Given, p.MiddleName)
	}
	if name.Family != "" || len(name.Given) > 0 {
		doc.Name = []r4.HumanName{name}
	}

	if p.Phone != "" {
		doc.Telecom = append(doc.Telecom, r4.ContactPoint{System: "phone", Value: p.Phone, Use: "mobile"})
	}
	if p.Email != "" {
		doc.Telecom = append(doc.Telecom, r4.ContactPoint{System: "email", Value: p.Email})
	}

	if !p.DateOfBirth.IsZero() {
		doc.BirthDate = p.DateOfBirth.Format("2006-01-02")
	}

	if p.AddressLine != "" || p.City != "" || p.Country != "" {
		addr := r4.Address{
			Use:        "home",
			City:       p.City,
			State:      p.State,
			PostalCode: p.PostalCode,
			Country:    p.Country,
		}
		if p.AddressLine != "" {
			addr.Line = []string{p.AddressLine}
		}
		doc.Address = []r4.Address{addr}
	}

	if code := maritalStatusCode(p.MaritalStatus); code != "" {
		doc.MaritalStatus = &r4.CodeableConcept{
			Coding: []r4.Coding{{System: r4.SystemMaritalStatus, Code: code}},
			Text:   p.MaritalStatus,
		}
	}

	if p.Language != "" {
		doc.Communication = []r4.PatientCommunication{{
			Language:  r4.CodeableConcept{Coding: []r4.Coding{{System: r4.SystemBCP47, Code: p.Language}}},
			Preferred: true,
		}}
	}

	if p.Deceased {
		if !p.DeceasedAt.IsZero() {
			doc.DeceasedDateTime = p.DeceasedAt.Format("2006-01-02")
		} else {
			deceased := true
			doc.DeceasedBoolean = &deceased
		}
	}

	if p.NextOfKinName != "" {
		contact := r4.PatientContact{
			Name: &r4.HumanName{Text: p.NextOfKinName},
		}
		if p.NextOfKinRelation != "" {
			contact.Relationship = []r4.CodeableConcept{{Text: p.NextOfKinRelation}}
		}
		if p.NextOfKinPhone != "" {
			contact.Telecom = []r4.ContactPoint{{System: "phone", Value: p.NextOfKinPhone}}
		}
		doc.Contact = []r4.PatientContact{contact}
	}

	return doc
}

func maritalStatusCode(status string) string {
	switch status {
	case "single", "S":
		return "S"
	case "married", "M":
		return "M"
	case "divorced", "D":
		return "D"
	case "widowed", "W":
		return "W"
	case "":
		return ""
	default:
		return "UNK"
	}
}

// MapPractitioner builds a Practitioner document.
func MapPractitioner(p *hms.Practitioner) *r4.Practitioner {
	doc := &r4.Practitioner{
		ResourceType: "Practitioner",
		ID:           p.ResourceID(),
		Active:       true,
		Gender:       NormalizeGender(p.Gender),
	}

	name := r4.HumanName{Use: "official", Family: p.LastName}
	if p.FirstName != "" {
		name.Given = []string{p.FirstName}
	}
	if name.Family != "" || len(name.Given) > 0 {
		doc.Name = []r4.HumanName{name}
	}

	if p.Phone != "" {
		doc.Telecom = append(doc.Telecom, r4.ContactPoint{System: "phone", Value: p.Phone, Use: "work"})
	}
	if p.Email != "" {
		doc.Telecom = append(doc.Telecom, r4.ContactPoint{System: "email", Value: p.Email, Use: "work"})
	}
	if !p.DateOfBirth.IsZero() {
		doc.BirthDate = p.DateOfBirth.Format("2006-01-02")
	}

	if p.LicenseNumber != "" {
		doc.Qualification = []r4.PractitionerQualification{{
			Identifier: []r4.Identifier{{Value: p.LicenseNumber}},
			Code:       r4.CodeableConcept{Text: p.Specialty},
		}}
	}

	return doc
}

// MapEncounter builds an Encounter document.
func MapEncounter(e *hms.Encounter) *r4.Encounter {
	doc := &r4.Encounter{
		ResourceType: "Encounter",
		ID:           e.ResourceID(),
		Status:       encounterStatus(e.Status),
	}

	class := e.Class
	if class == "" {
		class = "AMB"
	}
	doc.Class = &r4.Coding{System: r4.SystemActCode, Code: class}

	if e.PatientID != "" {
		doc.Subject = &r4.Reference{Reference: "Patient/" + e.PatientID}
	}
	if e.PractitionerID != "" {
		doc.Participant = []r4.EncounterParticipant{{
			Individual: &r4.Reference{Reference: "Practitioner/" + e.PractitionerID},
		}}
	}
	if !e.StartTime.IsZero() || !e.EndTime.IsZero() {
		period := &r4.Period{}
		if !e.StartTime.IsZero() {
			period.Start = e.StartTime.Format("2006-01-02T15:04:05Z07:00")
		}
		if !e.EndTime.IsZero() {
			period.End = e.EndTime.Format("2006-01-02T15:04:05Z07:00")
		}
		doc.Period = period
	}
	if e.Reason != "" {
		doc.ReasonCode = []r4.CodeableConcept{{Text: e.Reason}}
	}
	return doc
}

func encounterStatus(status string) string {
	switch status {
	case "planned", "arrived", "in-progress", "finished", "cancelled":
		return status
	case "scheduled":
		return "planned"
	case "completed":
		return "finished"
	default:
		return "unknown"
	}
}

// MapObservation builds an Observation document.
func MapObservation(o *hms.Observation) *r4.Observation {
	doc := &r4.Observation{
		ResourceType: "Observation",
		ID:           o.ResourceID(),
		Status:       o.Status,
	}
	if doc.Status == "" {
		doc.Status = "final"
	}

	if o.Code != "" || o.Display != "" {
		doc.Code = &r4.CodeableConcept{
			Coding: []r4.Coding{{System: r4.SystemLOINC, Code: o.Code, Display: o.Display}},
			Text:   o.Display,
		}
	}
	if o.PatientID != "" {
		doc.Subject = &r4.Reference{Reference: "Patient/" + o.PatientID}
	}
	if o.EncounterID != "" {
		doc.Encounter = &r4.Reference{Reference: "Encounter/" + o.EncounterID}
	}
	if !o.EffectiveAt.IsZero() {
		doc.EffectiveDateTime = o.EffectiveAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if o.HasValue {
		doc.ValueQuantity = &r4.Quantity{Value: o.Value, Unit: o.Unit, System: r4.SystemUCUM, Code: o.Unit}
	} else if o.ValueText != "" {
		doc.ValueString = o.ValueText
	}
	return doc
}

// MapCondition builds a Condition document.
func MapCondition(c *hms.Condition) *r4.Condition {
	doc := &r4.Condition{
		ResourceType: "Condition",
		ID:           c.ResourceID(),
	}

	status := c.ClinicalStatus
	if status == "" {
		status = "active"
	}
	doc.ClinicalStatus = &r4.CodeableConcept{
		Coding: []r4.Coding{{System: r4.SystemConditionClinical, Code: status}},
	}

	if c.Code != "" || c.Display != "" {
		doc.Code = &r4.CodeableConcept{
			Coding: []r4.Coding{{System: r4.SystemICD10, Code: c.Code, Display: c.Display}},
			Text:   c.Display,
		}
	}
	if c.PatientID != "" {
		doc.Subject = &r4.Reference{Reference: "Patient/" + c.PatientID}
	}
	if !c.OnsetDate.IsZero() {
		doc.OnsetDateTime = c.OnsetDate.Format("2006-01-02")
	}
	if !c.RecordedDate.IsZero() {
		doc.RecordedDate = c.RecordedDate.Format("2006-01-02")
	}
	if c.Notes != "" {
		doc.Note = []r4.Annotation{{Text: c.Notes}}
	}
	return doc
}

// MapMedication builds a MedicationStatement document.
func MapMedication(m *hms.Medication) *r4.MedicationStatement {
	doc := &r4.MedicationStatement{
		ResourceType: "MedicationStatement",
		ID:           m.ResourceID(),
		Status:       m.Status,
	}
	if doc.Status == "" {
		doc.Status = "active"
	}

	if m.Name != "" || m.Code != "" {
		doc.MedicationCodeableConcept = &r4.CodeableConcept{
			Coding: []r4.Coding{{System: r4.SystemRxNorm, Code: m.Code, Display: m.Name}},
			Text:   m.Name,
		}
	}
	if m.PatientID != "" {
		doc.Subject = &r4.Reference{Reference: "Patient/" + m.PatientID}
	}
	if !m.StartDate.IsZero() || !m.EndDate.IsZero() {
		period := &r4.Period{}
		if !m.StartDate.IsZero() {
			period.Start = m.StartDate.Format("2006-01-02")
		}
		if !m.EndDate.IsZero() {
			period.End = m.EndDate.Format("2006-01-02")
		}
		doc.EffectivePeriod = period
	}
	if m.Dosage != "" || m.Frequency != "" || m.Route != "" {
		dosage := r4.Dosage{Text: m.Dosage}
		if m.Frequency != "" {
			dosage.Timing = &r4.Timing{Code: &r4.CodeableConcept{Text: m.Frequency}}
		}
		if m.Route != "" {
			dosage.Route = &r4.CodeableConcept{Text: m.Route}
		}
		doc.Dosage = []r4.Dosage{dosage}
	}
	return doc
}

// MapAllergy builds an AllergyIntolerance document.
func MapAllergy(a *hms.Allergy) *r4.AllergyIntolerance {
	doc := &r4.AllergyIntolerance{
		ResourceType: "AllergyIntolerance",
		ID:           a.ResourceID(),
		ClinicalStatus: &r4.CodeableConcept{
			Coding: []r4.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical",
				Code:   "active",
			}},
		},
		Criticality: a.Criticality,
	}

	if a.Category != "" {
		doc.Category = []string{a.Category}
	}
	if a.Substance != "" {
		doc.Code = &r4.CodeableConcept{Text: a.Substance}
	}
	if a.PatientID != "" {
		doc.Patient = &r4.Reference{Reference: "Patient/" + a.PatientID}
	}
	if !a.RecordedDate.IsZero() {
		doc.RecordedDate = a.RecordedDate.Format("2006-01-02")
	}
	if a.Reaction != "" {
		doc.Reaction = []r4.AllergyIntoleranceReaction{{
			Manifestation: []r4.CodeableConcept{{Text: a.Reaction}},
			Severity:      a.Severity,
		}}
	}
	return doc
}

// MapProcedure builds a Procedure document.
func MapProcedure(p *hms.Procedure) *r4.Procedure {
	doc := &r4.Procedure{
		ResourceType: "Procedure",
		ID:           p.ResourceID(),
		Status:       p.Status,
	}
	if doc.Status == "" {
		doc.Status = "completed"
	}

	if p.Code != "" || p.Display != "" {
		doc.Code = &r4.CodeableConcept{
			Coding: []r4.Coding{{System: r4.SystemSNOMED, Code: p.Code, Display: p.Display}},
			Text:   p.Display,
		}
	}
	if p.PatientID != "" {
		doc.Subject = &r4.Reference{Reference: "Patient/" + p.PatientID}
	}
	if p.EncounterID != "" {
		doc.Encounter = &r4.Reference{Reference: "Encounter/" + p.EncounterID}
	}
	if !p.PerformedAt.IsZero() {
		doc.PerformedDateTime = p.PerformedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if p.Outcome != "" {
		doc.Outcome = &r4.CodeableConcept{Text: p.Outcome}
	}
	if p.Notes != "" {
		doc.Note = []r4.Annotation{{Text: p.Notes}}
	}
	return doc
}

// MapImmunization builds an Immunization document.
func MapImmunization(im *hms.Immunization) *r4.Immunization {
	doc := &r4.Immunization{
		ResourceType: "Immunization",
		ID:           im.ResourceID(),
		Status:       im.Status,
		LotNumber:    im.LotNumber,
	}
	if doc.Status == "" {
		doc.Status = "completed"
	}

	if im.VaccineCode != "" || im.VaccineName != "" {
		doc.VaccineCode = &r4.CodeableConcept{
			Coding: []r4.Coding{{System: r4.SystemCVX, Code: im.VaccineCode, Display: im.VaccineName}},
			Text:   im.VaccineName,
		}
	}
	if im.PatientID != "" {
		doc.Patient = &r4.Reference{Reference: "Patient/" + im.PatientID}
	}
	if !im.OccurredAt.IsZero() {
		doc.OccurrenceDateTime = im.OccurredAt.Format("2006-01-02")
	}
	if im.DoseNumber > 0 {
		dose := im.DoseNumber
		doc.ProtocolApplied = []r4.ImmunizationProtocol{{DoseNumberPositiveInt: &dose}}
	}
	return doc
}

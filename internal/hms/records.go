package hms

import (
	"strconv"
	"time"
)

// fieldMap collects non-empty attribute values. Empty strings and zero times
// are dropped so mapped documents never carry accidental nulls.
type fieldMap map[string]any

func (m fieldMap) putStr(key, value string) {
	if value != "" {
		m[key] = value
	}
}

func (m fieldMap) putDate(key string, value time.Time) {
	if !value.IsZero() {
		m[key] = value.Format("2006-01-02")
	}
}

func (m fieldMap) putFloat(key string, value float64, present bool) {
	if present {
		m[key] = value
	}
}

// Patient is the demographic record of one person under care.
type Patient struct {
	ID                int64
	PatientID         string
	MRN               string
	FirstName         string
	MiddleName        string
	LastName          string
	Gender            string
	DateOfBirth       time.Time
	Phone             string
	Email             string
	AddressLine       string
	City              string
	State             string
	PostalCode        string
	Country           string
	MaritalStatus     string
	Language          string
	Deceased          bool
	DeceasedAt        time.Time
	NextOfKinName     string
	NextOfKinPhone    string
	NextOfKinRelation string

	FHIRID     string
	LastSyncAt time.Time
}

func (p *Patient) Model() string { return ModelPatient }

func (p *Patient) ResourceID() string {
	if p.PatientID != "" {
		return p.PatientID
	}
	return strconv.FormatInt(p.ID, 10)
}

func (p *Patient) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("patient_id", p.ResourceID())
	m.putStr("mrn", p.MRN)
	m.putStr("first_name", p.FirstName)
	m.putStr("middle_name", p.MiddleName)
	m.putStr("last_name", p.LastName)
	m.putStr("gender", p.Gender)
	m.putDate("date_of_birth", p.DateOfBirth)
	m.putStr("phone_number", p.Phone)
	m.putStr("email", p.Email)
	m.putStr("address_line", p.AddressLine)
	m.putStr("city", p.City)
	m.putStr("state", p.State)
	m.putStr("postal_code", p.PostalCode)
	m.putStr("country", p.Country)
	m.putStr("marital_status", p.MaritalStatus)
	m.putStr("language", p.Language)
	if p.Deceased {
		m["deceased"] = true
		m.putDate("deceased_date", p.DeceasedAt)
	}
	m.putStr("next_of_kin_name", p.NextOfKinName)
	m.putStr("next_of_kin_phone", p.NextOfKinPhone)
	m.putStr("next_of_kin_relation", p.NextOfKinRelation)
	return m
}

// ApplySyncResult records the server-assigned id after a successful delivery.
func (p *Patient) ApplySyncResult(fhirID string, syncedAt time.Time) error {
	p.FHIRID = fhirID
	p.LastSyncAt = syncedAt
	return nil
}

// Practitioner is a clinician record.
type Practitioner struct {
	ID             int64
	PractitionerID string
	FirstName      string
	LastName       string
	Gender         string
	DateOfBirth    time.Time
	Phone          string
	Email          string
	LicenseNumber  string
	Specialty      string
}

func (p *Practitioner) Model() string { return ModelPractitioner }

func (p *Practitioner) ResourceID() string {
	if p.PractitionerID != "" {
		return p.PractitionerID
	}
	return strconv.FormatInt(p.ID, 10)
}

func (p *Practitioner) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("practitioner_id", p.ResourceID())
	m.putStr("first_name", p.FirstName)
	m.putStr("last_name", p.LastName)
	m.putStr("gender", p.Gender)
	m.putDate("date_of_birth", p.DateOfBirth)
	m.putStr("phone_number", p.Phone)
	m.putStr("email", p.Email)
	m.putStr("license_number", p.LicenseNumber)
	m.putStr("specialty", p.Specialty)
	return m
}

// Encounter is one patient visit.
type Encounter struct {
	ID             int64
	EncounterID    string
	PatientID      string
	PractitionerID string
	Status         string
	Class          string
	Reason         string
	StartTime      time.Time
	EndTime        time.Time
}

func (e *Encounter) Model() string { return ModelEncounter }

func (e *Encounter) ResourceID() string {
	if e.EncounterID != "" {
		return e.EncounterID
	}
	return strconv.FormatInt(e.ID, 10)
}

func (e *Encounter) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("encounter_id", e.ResourceID())
	m.putStr("patient_id", e.PatientID)
	m.putStr("practitioner_id", e.PractitionerID)
	m.putStr("status", e.Status)
	m.putStr("class", e.Class)
	m.putStr("reason", e.Reason)
	if !e.StartTime.IsZero() {
		m["start_time"] = e.StartTime.Format(time.RFC3339)
	}
	if !e.EndTime.IsZero() {
		m["end_time"] = e.EndTime.Format(time.RFC3339)
	}
	return m
}

// Observation is one recorded clinical measurement (vital sign, lab value).
type Observation struct {
	ID            int64
	ObservationID string
	PatientID     string
	EncounterID   string
	Code          string
	Display       string
	Value         float64
	HasValue      bool
	ValueText     string
	Unit          string
	Status        string
	EffectiveAt   time.Time
}

func (o *Observation) Model() string { return ModelObservation }

func (o *Observation) ResourceID() string {
	if o.ObservationID != "" {
		return o.ObservationID
	}
	return strconv.FormatInt(o.ID, 10)
}

func (o *Observation) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("observation_id", o.ResourceID())
	m.putStr("patient_id", o.PatientID)
	m.putStr("encounter_id", o.EncounterID)
	m.putStr("code", o.Code)
	m.putStr("display", o.Display)
	m.putFloat("value", o.Value, o.HasValue)
	m.putStr("value_text", o.ValueText)
	m.putStr("unit", o.Unit)
	m.putStr("status", o.Status)
	if !o.EffectiveAt.IsZero() {
		m["effective_at"] = o.EffectiveAt.Format(time.RFC3339)
	}
	return m
}

// Condition is a diagnosis entry from the medical record.
type Condition struct {
	ID             int64
	ConditionID    string
	PatientID      string
	Code           string
	Display        string
	ClinicalStatus string
	OnsetDate      time.Time
	RecordedDate   time.Time
	Notes          string
}

func (c *Condition) Model() string { return ModelCondition }

func (c *Condition) ResourceID() string {
	if c.ConditionID != "" {
		return c.ConditionID
	}
	return strconv.FormatInt(c.ID, 10)
}

func (c *Condition) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("condition_id", c.ResourceID())
	m.putStr("patient_id", c.PatientID)
	m.putStr("code", c.Code)
	m.putStr("display", c.Display)
	m.putStr("clinical_status", c.ClinicalStatus)
	m.putDate("onset_date", c.OnsetDate)
	m.putDate("recorded_date", c.RecordedDate)
	m.putStr("notes", c.Notes)
	return m
}

// Medication is one entry of a patient's medication history.
type Medication struct {
	ID           int64
	MedicationID string
	PatientID    string
	Name         string
	Code         string
	Status       string
	Dosage       string
	Frequency    string
	Route        string
	StartDate    time.Time
	EndDate      time.Time
}

func (md *Medication) Model() string { return ModelMedication }

func (md *Medication) ResourceID() string {
	if md.MedicationID != "" {
		return md.MedicationID
	}
	return strconv.FormatInt(md.ID, 10)
}

func (md *Medication) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("medication_id", md.ResourceID())
	m.putStr("patient_id", md.PatientID)
	m.putStr("name", md.Name)
	m.putStr("code", md.Code)
	m.putStr("status", md.Status)
	m.putStr("dosage", md.Dosage)
	m.putStr("frequency", md.Frequency)
	m.putStr("route", md.Route)
	m.putDate("start_date", md.StartDate)
	m.putDate("end_date", md.EndDate)
	return m
}

// Allergy is a recorded allergy or intolerance.
type Allergy struct {
	ID           int64
	AllergyID    string
	PatientID    string
	Substance    string
	Category     string
	Criticality  string
	Reaction     string
	Severity     string
	RecordedDate time.Time
}

func (a *Allergy) Model() string { return ModelAllergy }

func (a *Allergy) ResourceID() string {
	if a.AllergyID != "" {
		return a.AllergyID
	}
	return strconv.FormatInt(a.ID, 10)
}

func (a *Allergy) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("allergy_id", a.ResourceID())
	m.putStr("patient_id", a.PatientID)
	m.putStr("substance", a.Substance)
	m.putStr("category", a.Category)
	m.putStr("criticality", a.Criticality)
	m.putStr("reaction", a.Reaction)
	m.putStr("severity", a.Severity)
	m.putDate("recorded_date", a.RecordedDate)
	return m
}

// Procedure is one performed procedure.
type Procedure struct {
	ID          int64
	ProcedureID string
	PatientID   string
	EncounterID string
	Code        string
	Display     string
	Status      string
	PerformedAt time.Time
	Outcome     string
	Notes       string
}

func (p *Procedure) Model() string { return ModelProcedure }

func (p *Procedure) ResourceID() string {
	if p.ProcedureID != "" {
		return p.ProcedureID
	}
	return strconv.FormatInt(p.ID, 10)
}

func (p *Procedure) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("procedure_id", p.ResourceID())
	m.putStr("patient_id", p.PatientID)
	m.putStr("encounter_id", p.EncounterID)
	m.putStr("code", p.Code)
	m.putStr("display", p.Display)
	m.putStr("status", p.Status)
	if !p.PerformedAt.IsZero() {
		m["performed_at"] = p.PerformedAt.Format(time.RFC3339)
	}
	m.putStr("outcome", p.Outcome)
	m.putStr("notes", p.Notes)
	return m
}

// Immunization is one administered vaccine dose.
type Immunization struct {
	ID             int64
	ImmunizationID string
	PatientID      string
	VaccineCode    string
	VaccineName    string
	Status         string
	OccurredAt     time.Time
	LotNumber      string
	DoseNumber     int
}

func (im *Immunization) Model() string { return ModelImmunization }

func (im *Immunization) ResourceID() string {
	if im.ImmunizationID != "" {
		return im.ImmunizationID
	}
	return strconv.FormatInt(im.ID, 10)
}

func (im *Immunization) Fields() map[string]any {
	m := fieldMap{}
	m.putStr("immunization_id", im.ResourceID())
	m.putStr("patient_id", im.PatientID)
	m.putStr("vaccine_code", im.VaccineCode)
	m.putStr("vaccine_name", im.VaccineName)
	m.putStr("status", im.Status)
	m.putDate("occurrence_date", im.OccurredAt)
	m.putStr("lot_number", im.LotNumber)
	if im.DoseNumber > 0 {
		m["dose_number"] = im.DoseNumber
	}
	return m
}

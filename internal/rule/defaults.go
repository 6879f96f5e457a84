package rule

// DefaultFieldMappings returns the built-in mapping layer for a resource
// type. Patient is the only type shipping defaults; every other type relies
// entirely on rule-provided mappings or the fallback mappers.
func DefaultFieldMappings(resourceType string) map[string]string {
	if resourceType != "Patient" {
		return nil
	}
	return map[string]string{
		"patient_id":     "id",
		"mrn":            "identifier[mrn].value",
		"first_name":     "name[0].given[0]",
		"middle_name":    "name[0].given[1]",
		"last_name":      "name[0].family",
		"gender":         "gender",
		"date_of_birth":  "birthDate",
		"phone_number":   "telecom[0].value",
		"email":          "telecom[1].value",
		"address_line":   "address[0].line[0]",
		"city":           "address[0].city",
		"state":          "address[0].state",
		"postal_code":    "address[0].postalCode",
		"country":        "address[0].country",
		"marital_status": "maritalStatus.text",
	}
}

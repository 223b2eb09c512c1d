package store

import "strings"

// ValidateNew checks the fields a record needs before it can be created
func ValidateNew(rec *Record) error {
	if rec == nil {
		return NewError(ValidationFailed, "record is nil", nil)
	}
	if strings.TrimSpace(string(rec.Kind)) == "" {
		return NewError(ValidationFailed, "record kind is required", nil)
	}
	if strings.TrimSpace(rec.ClientKey) == "" {
		return NewError(ValidationFailed, "record client key is required", nil)
	}
	if rec.ServerID != "" {
		return NewError(ValidationFailed, "server id is assigned by the store", nil)
	}
	return nil
}

// ValidateExisting checks the fields a record needs before it can be updated
func ValidateExisting(rec *Record) error {
	if rec == nil {
		return NewError(ValidationFailed, "record is nil", nil)
	}
	if rec.ServerID == "" {
		return NewError(ValidationFailed, "record has no server id", nil)
	}
	if strings.TrimSpace(string(rec.Kind)) == "" {
		return NewError(ValidationFailed, "record kind is required", nil)
	}
	return nil
}

// Package schema validates bridge messages against JSON Schema documents.
//
// The command and response schemas are embedded in the binary and compiled once by
// NewValidator. Commands are checked before any downstream call is made; a failed
// check yields a *ValidationError describing every violated rule.
//
// Basic usage:
//
//	validator, err := schema.NewValidator()
//	if err != nil {
//	    return err
//	}
//
//	if err := validator.ValidateCommand(raw); err != nil {
//	    var verr *schema.ValidationError
//	    if errors.As(err, &verr) {
//	        log.Printf("rejected field %s: %s", verr.Field, verr.Message)
//	    }
//	}
package schema

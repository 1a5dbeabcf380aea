package orchestration

import "github.com/goliatone/go-errors"

// Sentinel validation errors shared by the stores. Expected domain outcomes
// (locked leases, missing records, illegal transitions) are reported as
// result values instead; these errors mark malformed input that callers
// should never produce.
var (
	ErrMissingID = errors.New("envelope id required", errors.CategoryValidation).
			WithTextCode("MISSING_ID")
	ErrMissingName = errors.New("envelope name required", errors.CategoryValidation).
			WithTextCode("MISSING_NAME")
	ErrMissingTenantID = errors.New("tenant id required", errors.CategoryValidation).
				WithTextCode("MISSING_TENANT_ID")
	ErrMissingCorrelationID = errors.New("correlation id required", errors.CategoryValidation).
				WithTextCode("MISSING_CORRELATION_ID")
)

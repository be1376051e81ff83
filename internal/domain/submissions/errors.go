package submissions

import "errors"

// ErrInvalidJSON indicates questionnaire_data arrived as a string that is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON data")

// ErrPersistence indicates the submission store rejected the write.
var ErrPersistence = errors.New("submission store unavailable")

// ErrBlob indicates the uploaded file could not be stored or read back.
var ErrBlob = errors.New("blob store unavailable")

// ErrNotification indicates the notification could not be delivered.
// The submission record may already be durably stored when this occurs.
var ErrNotification = errors.New("notification delivery failed")

package vm

// Value is an attribute value as stored in an instance or carried as a
// cache payload. The representation of non-attribute data belongs to the
// interpreter; this package only moves values between storage locations.
type Value = any

// Package types contains the shared data records, status enums, interfaces,
// and sentinel errors used across the coordinator.
//
// It exists as a leaf package so that internal components can depend on the
// core types without importing the root coordinator package, avoiding import
// cycles. The root package re-exports the commonly used definitions via type
// aliases for a convenient public API.
package types

// Package types provides the core data model shared across relay.
// This package has ZERO dependencies on other relay packages to avoid
// circular imports. All other packages should import types from here.
package types
